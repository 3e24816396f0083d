// Package bridge implements the core of the WOPI bridge: the in-memory
// registry of open documents, the background coordinator that flushes them
// back to storage, and the deterministic document id derivation.
package bridge

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// GenDocID derives the app-side document id for a WOPI source: the
// URL-safe unpadded base64 of an HMAC-SHA1 over the last path segment of
// the source, keyed with the bridge secret. Repeated opens of the same
// file land on the same app document without the bridge persisting
// anything.
func GenDocID(secret, wopisrc string) string {
	mac := hmac.New(sha1.New, []byte(secret)) // #nosec G401 - id derivation, not a signature
	mac.Write([]byte(lastSegment(wopisrc)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func lastSegment(wopisrc string) string {
	if i := strings.LastIndexByte(wopisrc, '/'); i >= 0 {
		return wopisrc[i+1:]
	}
	return wopisrc
}
