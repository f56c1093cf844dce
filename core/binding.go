package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// BindingArtifacts are the immutable verification outputs a decision
// signature is computed over. The signature binds the decision to exactly
// this verification result; without it the signature is meaningless.
type BindingArtifacts struct {
	ManifestHash        string
	HeadAttestationHash string
	ErrorCodes          []string
	WarningCodes        []string
}

// BindingArtifactsForRun extracts the binding artifacts from a completed run.
func BindingArtifactsForRun(meta RunMeta) (BindingArtifacts, error) {
	manifest := strings.TrimSpace(meta.ManifestHash)
	attestation := strings.TrimSpace(meta.HeadAttestationHash)
	if manifest == "" || attestation == "" {
		return BindingArtifacts{}, fmt.Errorf("core: binding artifacts unavailable for token %q", meta.Token)
	}
	return BindingArtifacts{
		ManifestHash:        manifest,
		HeadAttestationHash: attestation,
		ErrorCodes:          sortedCodes(meta.ErrorCodes),
		WarningCodes:        sortedCodes(meta.WarningCodes),
	}, nil
}

// BindingHash computes the canonical hash of the binding artifacts:
// sha256 over canonical JSON (sorted keys, compact separators).
func BindingHash(artifacts BindingArtifacts) (string, error) {
	payload := map[string]any{
		"manifest_hash":         strings.TrimSpace(artifacts.ManifestHash),
		"head_attestation_hash": strings.TrimSpace(artifacts.HeadAttestationHash),
		"error_codes":           sortedCodes(artifacts.ErrorCodes),
		"warning_codes":         sortedCodes(artifacts.WarningCodes),
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes a value deterministically: object keys sorted,
// compact separators, no HTML escaping, non-finite numbers rejected.
func CanonicalJSON(value any) (string, error) {
	var builder strings.Builder
	if err := writeCanonical(&builder, value); err != nil {
		return "", err
	}
	return builder.String(), nil
}

func writeCanonical(builder *strings.Builder, value any) error {
	switch typed := value.(type) {
	case nil:
		builder.WriteString("null")
	case bool:
		if typed {
			builder.WriteString("true")
		} else {
			builder.WriteString("false")
		}
	case string:
		encoded, err := encodeJSONString(typed)
		if err != nil {
			return err
		}
		builder.WriteString(encoded)
	case int:
		fmt.Fprintf(builder, "%d", typed)
	case int64:
		fmt.Fprintf(builder, "%d", typed)
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return fmt.Errorf("core: non-finite number is not canonical")
		}
		if typed == 0 && math.Signbit(typed) {
			return fmt.Errorf("core: negative zero is not canonical")
		}
		raw, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		builder.Write(raw)
	case []string:
		builder.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				builder.WriteByte(',')
			}
			if err := writeCanonical(builder, item); err != nil {
				return err
			}
		}
		builder.WriteByte(']')
	case []any:
		builder.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				builder.WriteByte(',')
			}
			if err := writeCanonical(builder, item); err != nil {
				return err
			}
		}
		builder.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		builder.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				builder.WriteByte(',')
			}
			encodedKey, err := encodeJSONString(key)
			if err != nil {
				return err
			}
			builder.WriteString(encodedKey)
			builder.WriteByte(':')
			if err := writeCanonical(builder, typed[key]); err != nil {
				return err
			}
		}
		builder.WriteByte('}')
	default:
		return fmt.Errorf("core: unsupported value for canonical JSON: %T", value)
	}
	return nil
}

func encodeJSONString(value string) (string, error) {
	var builder strings.Builder
	encoder := json.NewEncoder(&builder)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSuffix(builder.String(), "\n"), nil
}

func sortedCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
