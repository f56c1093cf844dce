package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SettleErrorBadInput            = "SETTLE_BAD_INPUT"
	SettleErrorAdmissionRejected   = "SETTLE_ADMISSION_REJECTED"
	SettleErrorUploadTooLarge      = "SETTLE_UPLOAD_TOO_LARGE"
	SettleErrorDedupConflict       = "SETTLE_DEDUP_CONFLICT"
	SettleErrorRunNotFound         = "SETTLE_RUN_NOT_FOUND"
	SettleErrorRunNotVerified      = "SETTLE_RUN_NOT_VERIFIED"
	SettleErrorDecisionRecorded    = "SETTLE_DECISION_RECORDED"
	SettleErrorDecisionNotAllowed  = "SETTLE_DECISION_NOT_PERMITTED"
	SettleErrorSignerNotConfigured = "SETTLE_SIGNER_NOT_CONFIGURED"
	SettleErrorSignerFailed        = "SETTLE_SIGNER_FAILED"
	SettleErrorInternal            = "SETTLE_INTERNAL_ERROR"
)

func settleErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureSettleErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "admission"), strings.Contains(msg, "capacity"):
		return newSettleError(err.Error(), goerrors.CategoryRateLimit, SettleErrorAdmissionRejected)
	case strings.Contains(msg, "exceeds") && strings.Contains(msg, "byte"):
		return newSettleError(err.Error(), goerrors.CategoryBadInput, SettleErrorUploadTooLarge)
	case strings.Contains(msg, "already bound"), strings.Contains(msg, "scope conflict"):
		return newSettleError(err.Error(), goerrors.CategoryConflict, SettleErrorDedupConflict)
	case strings.Contains(msg, "decision already recorded"):
		return newSettleError(err.Error(), goerrors.CategoryConflict, SettleErrorDecisionRecorded)
	case strings.Contains(msg, "signer is not configured"):
		return newSettleError(err.Error(), goerrors.CategoryOperation, SettleErrorSignerNotConfigured)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newSettleError(err.Error(), goerrors.CategoryBadInput, SettleErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureSettleErrorEnvelope(mapped)
}

func newSettleError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureSettleErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureSettleErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = settleHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSettleTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSettleTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return SettleErrorBadInput
	case goerrors.CategoryNotFound:
		return SettleErrorRunNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return SettleErrorDecisionNotAllowed
	case goerrors.CategoryConflict:
		return SettleErrorDedupConflict
	case goerrors.CategoryRateLimit:
		return SettleErrorAdmissionRejected
	case goerrors.CategoryOperation:
		return SettleErrorSignerFailed
	default:
		return SettleErrorInternal
	}
}

func settleHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
