package core

import (
	"context"
	"fmt"
	"strings"
)

// CodeVerifier checks a one-time decision code issued to a tenant actor.
type CodeVerifier interface {
	Verify(ctx context.Context, tenantID string, token string, code string) error
}

// PolicyAuthorizer enforces the tenant decision-auth policy: when the tenant
// has enabled one-time codes the request must carry a valid code; otherwise
// any caller holding tenant credentials may decide.
type PolicyAuthorizer struct {
	Codes CodeVerifier
}

func (a PolicyAuthorizer) Authorize(ctx context.Context, req DecisionRequest, policy ResolvedPolicy) error {
	if !policy.RequireDecisionCode {
		return nil
	}
	code := strings.TrimSpace(req.OneTimeCode)
	if code == "" {
		return decisionNotPermittedError(req.Token, "one-time decision code is required")
	}
	if a.Codes == nil {
		return fmt.Errorf("core: code verifier is not configured")
	}
	if err := a.Codes.Verify(ctx, strings.TrimSpace(req.TenantID), strings.TrimSpace(req.Token), code); err != nil {
		return decisionNotPermittedError(req.Token, "one-time decision code rejected")
	}
	return nil
}

var _ DecisionAuthorizer = PolicyAuthorizer{}
