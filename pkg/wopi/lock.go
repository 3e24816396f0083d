// Package wopi implements the storage-facing half of the bridge: a typed
// client for the subset of WOPI the bridge consumes, and the lock payload
// the bridge deposits at the WOPI server to coordinate multi-user sessions.
package wopi

import (
	"encoding/json"
	"fmt"
)

// DirtyDigest is the sentinel stored in a lock's digest field whenever the
// document content is known to have changed since the digest was computed.
const DirtyDigest = "dirty"

// shortTokenLen is the length of the access-token suffix used as a stable
// per-participant identifier inside locks and log lines.
const shortTokenLen = 20

// Lock is the bridge's soft state for one document. It travels as an opaque
// JSON string in the X-WOPI-Lock header and is the only state that survives
// a bridge restart.
type Lock struct {
	// DocID identifies the document inside the collaborative app.
	DocID string `json:"docid"`
	// Filename is the base name of the file at the storage when the
	// session started.
	Filename string `json:"filename"`
	// Digest is the hex SHA-1 of the last content saved on close, or
	// DirtyDigest while edits are pending.
	Digest string `json:"digest"`
	// App tags the adapter that owns the document, e.g. "md" or "mds".
	App string `json:"app"`
	// ToClose maps each participant's short token to whether that
	// participant has asked to close the document. It is never empty.
	ToClose map[string]bool `json:"toclose"`
}

// ShortToken reduces an access token to its trailing characters, enough to
// tell participants apart without logging the full credential.
func ShortToken(acctok string) string {
	if len(acctok) <= shortTokenLen {
		return acctok
	}
	return acctok[len(acctok)-shortTokenLen:]
}

// GenerateLock builds a fresh lock for a document that was just pushed to
// the app, with the caller as its only participant.
func GenerateLock(docid string, filemd *FileInfo, digest, app, acctok string, isClose bool) *Lock {
	return &Lock{
		DocID:    docid,
		Filename: filemd.BaseFileName,
		Digest:   digest,
		App:      app,
		ToClose:  map[string]bool{ShortToken(acctok): isClose},
	}
}

// ParseLock decodes the JSON lock carried in an X-WOPI-Lock header.
func ParseLock(raw string) (*Lock, error) {
	var l Lock
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("malformed lock payload: %w", err)
	}
	return &l, nil
}

// Encode renders the lock in its on-the-wire JSON form.
func (l *Lock) Encode() string {
	// a struct of strings and bools cannot fail to marshal
	b, _ := json.Marshal(l)
	return string(b)
}

// Clone returns a deep copy of the lock.
func (l *Lock) Clone() *Lock {
	c := *l
	c.ToClose = make(map[string]bool, len(l.ToClose))
	for tok, closed := range l.ToClose {
		c.ToClose[tok] = closed
	}
	return &c
}

// HasToken reports whether the holder of acctok is already a participant.
func (l *Lock) HasToken(acctok string) bool {
	_, ok := l.ToClose[ShortToken(acctok)]
	return ok
}
