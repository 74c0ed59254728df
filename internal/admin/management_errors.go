package admin

import (
	"errors"
	"net/http"
	"strings"
)

const (
	MutationCodeInvalidDays        = "invalid_days"
	MutationCodeHardDeleteDisabled = "hard_delete_disabled"
	MutationCodeAuditRequired      = "audit_reason_required"
	MutationCodeStoreUnavailable   = "history_unavailable"
)

var (
	ErrInvalidDays        = errors.New("invalid retention days")
	ErrHardDeleteDisabled = errors.New("hard delete is disabled")
	ErrAuditRequired      = errors.New("audit reason is required")
)

// MutationError carries an explicit error code for cleanup operations
// while preserving sentinel compatibility via error wrapping.
type MutationError struct {
	base   error
	code   string
	detail string
}

func (e *MutationError) Error() string {
	if e == nil {
		return ""
	}
	base := strings.TrimSpace(e.base.Error())
	detail := strings.TrimSpace(e.detail)
	if base == "" {
		return detail
	}
	if detail == "" {
		return base
	}
	return base + ": " + detail
}

func (e *MutationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.base
}

func NewMutationError(base error, code, detail string) error {
	if base == nil {
		base = errors.New("history mutation failed")
	}
	return &MutationError{
		base:   base,
		code:   strings.TrimSpace(code),
		detail: strings.TrimSpace(detail),
	}
}

func ExtractMutationError(err error) (code, detail string, ok bool) {
	var typed *MutationError
	if !errors.As(err, &typed) || typed == nil {
		return "", "", false
	}
	return strings.TrimSpace(typed.code), strings.TrimSpace(typed.detail), true
}

func mutationErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDays):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuditRequired):
		return http.StatusBadRequest
	case errors.Is(err, ErrHardDeleteDisabled):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func writeMutationError(w http.ResponseWriter, err error) {
	status := mutationErrorStatus(err)
	if code, detail, ok := ExtractMutationError(err); ok {
		writeManagementError(w, status, code, detail)
		return
	}
	writeManagementError(w, status, MutationCodeStoreUnavailable, "history store is unavailable")
}
