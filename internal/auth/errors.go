package auth

import (
	"strings"
)

// Error is an authentication failure with a backend code such as
// ERROR_EMAIL_ALREADY_IN_USE.
type Error struct {
	Code           string
	Message        string
	AdditionalData map[string]any
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is matches errors with the same backend code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WireCode is the code reported to callers: lowercased, without the error_
// prefix and with dashes for underscores.
func (e *Error) WireCode() string {
	c := strings.ToLower(e.Code)
	c = strings.ReplaceAll(c, "error_", "")
	return strings.ReplaceAll(c, "_", "-")
}

func (e *Error) with(key string, v any) *Error {
	out := &Error{Code: e.Code, Message: e.Message, AdditionalData: map[string]any{}}
	for k, v := range e.AdditionalData {
		out.AdditionalData[k] = v
	}
	out.AdditionalData[key] = v
	return out
}

var (
	ErrNoCurrentUser     = &Error{Code: "NO_CURRENT_USER", Message: "No user currently signed in."}
	ErrInvalidCredential = &Error{Code: "INVALID_CREDENTIAL", Message: "The supplied auth credential is malformed, has expired or is not currently supported."}
	ErrNoSuchProvider    = &Error{Code: "NO_SUCH_PROVIDER", Message: "User was not linked to an account with the given provider."}

	ErrInvalidEmail           = &Error{Code: "ERROR_INVALID_EMAIL", Message: "The email address is badly formatted."}
	ErrWeakPassword           = &Error{Code: "ERROR_WEAK_PASSWORD", Message: "The given password is invalid. [ Password should be at least 6 characters ]"}
	ErrEmailAlreadyInUse      = &Error{Code: "ERROR_EMAIL_ALREADY_IN_USE", Message: "The email address is already in use by another account."}
	ErrUserNotFound           = &Error{Code: "ERROR_USER_NOT_FOUND", Message: "There is no user record corresponding to this identifier. The user may have been deleted."}
	ErrWrongPassword          = &Error{Code: "ERROR_WRONG_PASSWORD", Message: "The password is invalid or the user does not have a password."}
	ErrInvalidActionCode      = &Error{Code: "ERROR_INVALID_ACTION_CODE", Message: "The out of band code is invalid. This can happen if the code is malformed, expired, or has already been used."}
	ErrExpiredActionCode      = &Error{Code: "ERROR_EXPIRED_ACTION_CODE", Message: "The out of band code has expired."}
	ErrInvalidCustomToken     = &Error{Code: "ERROR_INVALID_CUSTOM_TOKEN", Message: "The custom token format is incorrect. Please check the documentation."}
	ErrProviderAlreadyLinked  = &Error{Code: "ERROR_PROVIDER_ALREADY_LINKED", Message: "User has already been linked to the given provider."}
	ErrCredentialAlreadyInUse = &Error{Code: "ERROR_CREDENTIAL_ALREADY_IN_USE", Message: "This credential is already associated with a different user account."}
	ErrUserMismatch           = &Error{Code: "ERROR_USER_MISMATCH", Message: "The supplied credentials do not correspond to the previously signed in user."}
)
