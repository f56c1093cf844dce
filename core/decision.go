package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

var (
	// ErrSignerNotConfigured distinguishes an operator wiring mistake from a
	// signer that rejected the request.
	ErrSignerNotConfigured = errors.New("core: decision signer is not configured")
	// ErrInvalidKeyMaterial marks unusable local signing key material.
	ErrInvalidKeyMaterial = errors.New("core: invalid signer key material")
	// ErrDecisionRecorded marks a second transition attempt for a token that
	// already has a decision.
	ErrDecisionRecorded = errors.New("core: decision already recorded")
)

// ResolveDecision performs the one-shot settlement transition for a token:
// unset -> approved or held, terminal. The persisted decision report is the
// durability boundary; notification failures after it never invalidate the
// recorded decision.
func (s *Service) ResolveDecision(ctx context.Context, req DecisionRequest) (DecisionReport, error) {
	startedAt := time.Now()
	report, err := s.resolveDecision(ctx, req)
	s.observeOperation(ctx, startedAt, "decision_resolve", err, map[string]any{
		"tenant_id": req.TenantID,
		"token":     req.Token,
		"decision":  req.Decision,
	})
	if err != nil {
		return DecisionReport{}, s.mapError(err)
	}
	return report, nil
}

func (s *Service) resolveDecision(ctx context.Context, req DecisionRequest) (DecisionReport, error) {
	if s == nil {
		return DecisionReport{}, fmt.Errorf("core: service is nil")
	}
	if s.runStore == nil || s.decisionStore == nil {
		return DecisionReport{}, fmt.Errorf("core: run and decision stores are required")
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return DecisionReport{}, fmt.Errorf("core: token is required")
	}
	decision := strings.ToLower(strings.TrimSpace(req.Decision))
	if decision != DecisionApprove && decision != DecisionHold {
		return DecisionReport{}, fmt.Errorf("core: decision must be %q or %q", DecisionApprove, DecisionHold)
	}

	meta, err := s.runStore.Get(ctx, token)
	if err != nil {
		return DecisionReport{}, err
	}
	if !meta.Live(s.now()) {
		return DecisionReport{}, decisionNotPermittedError(token, "run is revoked, expired, or past retention")
	}
	if meta.FinishedAt == nil {
		return DecisionReport{}, decisionNotPermittedError(token, "verification has not completed")
	}

	policy := ResolvedPolicy{AllowWarningApprovals: s.config.Decision.AllowWarningApprovals}
	if s.policyResolver != nil {
		policy, err = s.policyResolver.Resolve(ctx, meta.TenantID)
		if err != nil {
			return DecisionReport{}, err
		}
	}

	if s.authorizer != nil {
		if err := s.authorizer.Authorize(ctx, req, policy); err != nil {
			return DecisionReport{}, err
		}
	}

	if decision == DecisionApprove {
		if !meta.VerifyOK || len(meta.ErrorCodes) > 0 {
			return DecisionReport{}, decisionNotPermittedError(token, "verification outcome is not clean")
		}
		if len(meta.WarningCodes) > 0 && !policy.AllowWarningApprovals {
			return DecisionReport{}, decisionNotPermittedError(token, "warning-tier approval is not permitted by policy")
		}
	}

	artifacts, err := BindingArtifactsForRun(meta)
	if err != nil {
		return DecisionReport{}, err
	}
	bindingHash, err := BindingHash(artifacts)
	if err != nil {
		return DecisionReport{}, err
	}

	if s.decisionSigner == nil {
		return DecisionReport{}, ErrSignerNotConfigured
	}
	signed, err := s.decisionSigner.SignBinding(ctx, SignRequest{
		BindingHash: bindingHash,
		Token:       token,
		TenantID:    meta.TenantID,
		Context: map[string]any{
			"decision": decision,
			"actor":    strings.TrimSpace(req.Actor),
		},
	})
	if err != nil {
		if errors.Is(err, ErrSignerNotConfigured) || errors.Is(err, ErrInvalidKeyMaterial) {
			return DecisionReport{}, err
		}
		return DecisionReport{}, newSettleError(
			fmt.Sprintf("core: signer rejected decision for token %q: %v", token, err),
			goerrors.CategoryOperation,
			SettleErrorSignerFailed,
		)
	}
	if !policy.AllowsSignerKey(signed.SignerKeyID) {
		return DecisionReport{}, decisionNotPermittedError(token, "signer key is not on the tenant allow-list")
	}

	now := s.now()
	report := DecisionReport{
		SchemaVersion:       DecisionReportSchemaVersion,
		Token:               token,
		TenantID:            meta.TenantID,
		Decision:            decision,
		DecidedAt:           now,
		DecidedBy:           strings.TrimSpace(req.Actor),
		BindingHash:         bindingHash,
		ManifestHash:        artifacts.ManifestHash,
		HeadAttestationHash: artifacts.HeadAttestationHash,
		ErrorCodes:          artifacts.ErrorCodes,
		WarningCodes:        artifacts.WarningCodes,
		SignerKeyID:         signed.SignerKeyID,
		Signature:           signed.Signature,
		SignerReceipt:       signed.SignerReceipt,
		CreatedAt:           now,
	}
	created, err := s.decisionStore.Create(ctx, report)
	if err != nil {
		return DecisionReport{}, err
	}
	if !created {
		return DecisionReport{}, newSettleError(
			fmt.Sprintf("core: decision already recorded for token %q", token),
			goerrors.CategoryConflict,
			SettleErrorDecisionRecorded,
		)
	}

	// Durability boundary: the report is persisted. Everything below is
	// best-effort and must never unwind the decision.
	s.enqueueNotifications(ctx, meta.TenantID, token, EventDecisionRecorded, map[string]any{
		"token":         token,
		"decision":      decision,
		"binding_hash":  bindingHash,
		"signer_key_id": signed.SignerKeyID,
	})

	return report, nil
}

// GetDecision returns the recorded decision report for a token, if any.
func (s *Service) GetDecision(ctx context.Context, token string) (DecisionReport, bool, error) {
	if s == nil || s.decisionStore == nil {
		return DecisionReport{}, false, s.mapError(fmt.Errorf("core: decision store is not configured"))
	}
	report, found, err := s.decisionStore.Get(ctx, strings.TrimSpace(token))
	if err != nil {
		return DecisionReport{}, false, s.mapError(err)
	}
	return report, found, nil
}

func decisionNotPermittedError(token string, reason string) error {
	return newSettleError(
		fmt.Sprintf("core: decision not permitted for token %q: %s", token, reason),
		goerrors.CategoryAuthz,
		SettleErrorDecisionNotAllowed,
	)
}
