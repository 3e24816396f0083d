package wopi

import (
	"encoding/json"
	"net/http"

	"github.com/cs3org/wopibridge/pkg/logger"
)

// RecoverMsg is appended to user-facing errors raised at a point where the
// user's latest edits may no longer reach the storage.
const RecoverMsg = "Please copy the content to a safe place and reopen the document again to paste it back."

// SaveResult is the outcome of a save operation, parked by the coordinator
// and relayed verbatim to the app by the next /save call.
type SaveResult struct {
	Status int
	Body   []byte
}

// Jsonify wraps a human-readable message in the JSON envelope all bridge
// responses use.
func Jsonify(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return b
}

// Message builds a SaveResult carrying a JSON message body.
func Message(status int, msg string) *SaveResult {
	return &SaveResult{Status: status, Body: Jsonify(msg)}
}

// HandlePutFile maps a failed PutFile or PutRelativeFile status to the
// user-facing result to park for the app. It returns nil when the call
// succeeded.
func HandlePutFile(op, wopisrc string, status int) *SaveResult {
	switch {
	case status == http.StatusConflict:
		logger.Errorw("conflict when calling WOPI",
			"operation", op, "url", wopisrc, "status", status)
		return Message(http.StatusInternalServerError,
			"Your file got into a conflictual state at the storage. "+RecoverMsg)
	case status != http.StatusOK:
		logger.Errorw("failed to store the file",
			"operation", op, "url", wopisrc, "status", status)
		return Message(http.StatusInternalServerError,
			"Your changes could not be stored. "+RecoverMsg)
	}
	return nil
}
