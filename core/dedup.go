package core

import (
	"context"
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

type dedupResolution struct {
	// Hit means the cached run is returned as-is; nothing is re-verified.
	Hit bool
	// Token is empty on a miss; on a rerun it is the cached token to reuse.
	Token string
	// Rerun means verification runs again under the same token.
	Rerun bool
}

// resolveDedup decides how an upload relates to the cached run for its
// (tenant, content hash). Identity conflicts fail closed; a live, matching
// cached run is returned idempotently; a stale-but-legitimate cached run is
// reprocessed under the same token so external references stay valid.
func (s *Service) resolveDedup(
	ctx context.Context,
	tenantID string,
	contentHash string,
	scope RunScope,
) (dedupResolution, error) {
	entry, found, err := s.dedupIndexStore.Lookup(ctx, tenantID, contentHash)
	if err != nil {
		return dedupResolution{}, err
	}
	if !found {
		return dedupResolution{}, nil
	}

	if entry.Scope.Identity() != scope.Identity() {
		return dedupResolution{}, dedupConflictError(tenantID, contentHash, entry.Token)
	}

	meta, err := s.runStore.Get(ctx, entry.Token)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			// Index entry without a run record: reuse the minted token and
			// process as a fresh run.
			return dedupResolution{Token: entry.Token, Rerun: true}, nil
		}
		return dedupResolution{}, err
	}

	if meta.Revoked {
		return dedupResolution{}, dedupConflictError(tenantID, contentHash, entry.Token)
	}

	if meta.Live(s.now()) && meta.Scope.ConfigurationMatches(scope) && meta.Status != RunStatusFailed {
		return dedupResolution{Hit: true, Token: entry.Token}, nil
	}

	return dedupResolution{Token: entry.Token, Rerun: true}, nil
}

func dedupConflictError(tenantID string, contentHash string, token string) error {
	return newSettleError(
		fmt.Sprintf("core: content hash already bound to token %q under different scope", token),
		goerrors.CategoryConflict,
		SettleErrorDedupConflict,
	).WithMetadata(map[string]any{
		"tenant_id":    tenantID,
		"content_hash": contentHash,
	})
}
