// Package apps defines the contract between the bridge core and the
// collaborative applications documents are handed to, plus the registry
// binding file extensions and lock tags to the adapter serving them.
package apps

import (
	"context"
	"errors"

	"github.com/cs3org/wopibridge/pkg/wopi"
)

// ErrAppFailure marks an unrecoverable failure while talking to a
// collaborative app: connection refused, unexpected status, unusable
// response. Adapters wrap it with context.
var ErrAppFailure = errors.New("app failure")

// Adapter is implemented once per supported collaborative application.
// All methods may be called concurrently for different documents.
type Adapter interface {
	// LoadFromStorage fetches the document from the WOPI storage, pushes
	// it into the app under the given docid and returns the initial lock
	// for the session. An empty docid requests a read-only copy whose
	// identifier is assigned by the app.
	LoadFromStorage(ctx context.Context, filemd *wopi.FileInfo, wopisrc, acctok, docid string) (*wopi.Lock, error)

	// SaveToStorage fetches the current content from the app and stores
	// it back at the WOPI storage. isClose marks the flush that ends the
	// session. The result is never nil and is relayed to the app by the
	// next /save call.
	SaveToStorage(ctx context.Context, wopisrc, acctok string, isClose bool, lock *wopi.Lock) *wopi.SaveResult

	// RedirectURL computes the app URL the user's browser is sent to.
	// displayName is the raw user-facing name; the adapter escapes it.
	RedirectURL(ctx context.Context, canWrite bool, wopisrc, acctok string, lock *wopi.Lock, displayName string) (string, error)
}
