package library

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded write lost a race with another writer.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
)

// Failure codes reported to clients for rejected business operations.
const (
	CodeLoginFailed          = "LOGIN_FAILED"
	CodeAccountInactive      = "ACCOUNT_INACTIVE"
	CodeUsernameTaken        = "USERNAME_TAKEN"
	CodeInvalidUsername      = "INVALID_USERNAME"
	CodePasswordTooShort     = "PASSWORD_TOO_SHORT"
	CodeWrongPassword        = "WRONG_PASSWORD"
	CodeUserNotFound         = "USER_NOT_FOUND"
	CodeCannotDeactivateSelf = "CANNOT_DEACTIVATE_SELF"
	CodeBookNotFound         = "BOOK_NOT_FOUND"
	CodeBookExists           = "BOOK_ALREADY_EXISTS"
	CodeInvalidBook          = "INVALID_BOOK_DATA"
	CodeBookHasActiveLoans   = "BOOK_HAS_ACTIVE_LOANS"
	CodeOutOfStock           = "OUT_OF_STOCK"
	CodeAlreadyBorrowed      = "ALREADY_BORROWED"
	CodeNoActiveLoan         = "NO_ACTIVE_LOAN"
	CodeInvalidSearchField   = "INVALID_SEARCH_FIELD"
)

// Failure is a recoverable business-rule rejection. Anything else returned by
// LibraryManager is an internal fault.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func fail(code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFailure unwraps err into a *Failure if it carries one.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
