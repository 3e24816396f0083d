package wopi

import (
	"errors"
	"fmt"
	"net/http"
)

// InvalidLockError reports that the WOPI server holds no lock, an
// unreadable lock, or refused a lock operation for a document. StatusCode
// carries the WOPI response status; 404 means no lock exists at all, any
// other value means the lock is unusable.
type InvalidLockError struct {
	StatusCode int
	Reason     string
}

func (e *InvalidLockError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid WOPI lock (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("invalid WOPI lock (status %d)", e.StatusCode)
}

// IsNotFound reports whether the lock was simply absent, as opposed to
// present but unusable.
func (e *InvalidLockError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// AsInvalidLock unwraps err into an *InvalidLockError when it carries one.
func AsInvalidLock(err error) (*InvalidLockError, bool) {
	var ile *InvalidLockError
	if errors.As(err, &ile) {
		return ile, true
	}
	return nil, false
}
