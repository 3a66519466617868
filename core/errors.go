package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SyncErrorBadInput         = "SYNC_BAD_INPUT"
	SyncErrorNotFound         = "SYNC_NOT_FOUND"
	SyncErrorSecurityRejected = "SYNC_SECURITY_REJECTED"
	SyncErrorTransient        = "SYNC_TRANSIENT_FAILURE"
	SyncErrorTerminal         = "SYNC_TERMINAL_FAILURE"
	SyncErrorInternal         = "SYNC_INTERNAL_ERROR"
)

// SecurityRejection marks a bad or missing signature. Never retried; the
// caller surfaces it at a 401-equivalent.
func SecurityRejection(message string) error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(SyncErrorSecurityRejected)
}

// TransientFailure marks resolver/persistence/platform unavailability. Always
// retried up to the attempt ceiling.
func TransientFailure(cause error, message string) error {
	if cause == nil {
		return goerrors.New(message, goerrors.CategoryOperation).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(SyncErrorTransient)
	}
	return goerrors.Wrap(cause, goerrors.CategoryOperation, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(SyncErrorTransient)
}

// TerminalFailure marks an exhausted retry budget. Surfaced to the operator
// channel, not retried further.
func TerminalFailure(cause error, message string) error {
	if cause == nil {
		return goerrors.New(message, goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(SyncErrorTerminal)
	}
	return goerrors.Wrap(cause, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(SyncErrorTerminal)
}

func IsSecurityRejection(err error) bool {
	return hasTextCode(err, SyncErrorSecurityRejected)
}

func IsTransientFailure(err error) bool {
	return hasTextCode(err, SyncErrorTransient)
}

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(richErr.TextCode), textCode)
}

func syncErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureSyncErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"), strings.Contains(msg, "secret"):
		return ensureSyncErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryAuth).WithTextCode(SyncErrorSecurityRejected),
		)
	case strings.Contains(msg, "not found"):
		return ensureSyncErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryNotFound).WithTextCode(SyncErrorNotFound),
		)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "unavailable"), strings.Contains(msg, "deadline"):
		return ensureSyncErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryOperation).WithTextCode(SyncErrorTransient),
		)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureSyncErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryBadInput).WithTextCode(SyncErrorBadInput),
		)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureSyncErrorEnvelope(mapped)
}

func ensureSyncErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = syncHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSyncTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSyncTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return SyncErrorBadInput
	case goerrors.CategoryNotFound:
		return SyncErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return SyncErrorSecurityRejected
	case goerrors.CategoryOperation:
		return SyncErrorTransient
	default:
		return SyncErrorInternal
	}
}

func syncHTTPStatus(category goerrors.Category) int {
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
	case goerrors.CategoryOperation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// MapError normalizes any error into the sync error envelope.
func MapError(err error) *goerrors.Error {
	return syncErrorMapper(err)
}
