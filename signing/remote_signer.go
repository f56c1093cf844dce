package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/settld/go-settle/core"
)

// RemoteSigner delegates binding signatures to an external signing service
// over HTTP. The remote response carries a receipt that is persisted with the
// decision report so the signature provenance can be audited later.
type RemoteSigner struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewRemoteSigner(endpoint string, bearerToken string, timeout time.Duration) (*RemoteSigner, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("signing: remote endpoint is required: %w", core.ErrSignerNotConfigured)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteSigner{
		endpoint: endpoint,
		token:    strings.TrimSpace(bearerToken),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type remoteSignRequest struct {
	BindingHash string         `json:"binding_hash"`
	Token       string         `json:"token"`
	TenantID    string         `json:"tenant_id"`
	Context     map[string]any `json:"context,omitempty"`
}

type remoteSignResponse struct {
	SignerKeyID string `json:"signer_key_id"`
	Signature   string `json:"signature"`
	Receipt     string `json:"receipt"`
}

func (s *RemoteSigner) SignBinding(ctx context.Context, req core.SignRequest) (core.SignResult, error) {
	if s == nil || s.client == nil {
		return core.SignResult{}, core.ErrSignerNotConfigured
	}
	if strings.TrimSpace(req.BindingHash) == "" {
		return core.SignResult{}, fmt.Errorf("signing: binding hash is required")
	}

	body, err := json.Marshal(remoteSignRequest{
		BindingHash: req.BindingHash,
		Token:       req.Token,
		TenantID:    req.TenantID,
		Context:     req.Context,
	})
	if err != nil {
		return core.SignResult{}, fmt.Errorf("signing: encode sign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SignResult{}, fmt.Errorf("signing: build sign request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return core.SignResult{}, fmt.Errorf("signing: remote signer unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return core.SignResult{}, fmt.Errorf("signing: read remote response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.SignResult{}, fmt.Errorf("signing: remote signer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed remoteSignResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return core.SignResult{}, fmt.Errorf("signing: decode remote response: %w", err)
	}
	if strings.TrimSpace(parsed.Signature) == "" || strings.TrimSpace(parsed.SignerKeyID) == "" {
		return core.SignResult{}, fmt.Errorf("signing: remote response missing signature or key id")
	}
	return core.SignResult{
		SignerKeyID:   parsed.SignerKeyID,
		Signature:     parsed.Signature,
		SignerReceipt: parsed.Receipt,
	}, nil
}

var _ core.DecisionSigner = (*RemoteSigner)(nil)
