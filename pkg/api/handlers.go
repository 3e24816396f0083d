package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cs3org/wopibridge/pkg/apps"
	"github.com/cs3org/wopibridge/pkg/bridge"
	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/versions"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// metadataHeader carries the URL-encoded "wopisrc?t=acctok" context on
// /save calls relayed by the app.
const metadataHeader = "X-EFSS-Metadata"

type bridgeRoutes struct {
	state      *bridge.State
	wopi       *wopi.Client
	apps       *apps.Registry
	hashSecret string
}

func (*bridgeRoutes) index(w http.ResponseWriter, r *http.Request) {
	logger.Debugw("index page requested", "remote", r.RemoteAddr)
	hostname, _ := os.Hostname()
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><head><title>WOPI bridge</title></head><body>
<div align="center" style="color:#000104; padding-top:50px; font-family:Verdana">
This is a WOPI HTTP bridge, to be used in conjunction with a WOPI-enabled EFSS.<br>
Open your documents from the storage to start a collaborative session.</div>
<div style="position: absolute; bottom: 10px; left: 10px; width: 99%%;"><hr>
<i>WOPI bridge %s at %s. Powered by %s.</i></div>
</body></html>`, versions.GetVersionInfo().Version, hostname, runtime.Version())
}

// open starts or joins an editing session and redirects the browser to
// the app. Lock trouble degrades the session to read-only rather than
// failing the open.
func (h *bridgeRoutes) open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wopisrc := r.URL.Query().Get("WOPISrc")
	acctok := r.URL.Query().Get("access_token")
	if wopisrc == "" || acctok == "" {
		writeGUI(w, http.StatusBadRequest, "Missing arguments")
		return
	}

	filemd, err := h.wopi.GetFileInfo(ctx, wopisrc, acctok)
	if err != nil {
		logger.Warnw("failed to fetch file metadata", "url", wopisrc, "error", err)
		writeGUI(w, http.StatusNotFound, "Invalid WOPI context")
		return
	}

	ext := strings.TrimPrefix(filepath.Ext(filemd.BaseFileName), ".")
	adapter, ok := h.apps.Lookup(ext)
	if !ok {
		logger.Warnw("file type not served by any app", "url", wopisrc, "extension", ext)
		writeGUI(w, http.StatusBadRequest, "File type not supported")
		return
	}

	canWrite := filemd.UserCanWrite
	var lock *wopi.Lock
	if filemd.UserCanWrite {
		lock, err = h.wopi.GetLock(ctx, wopisrc, acctok)
		if err == nil && !lock.HasToken(acctok) {
			// a new participant joins the session already running
			lock, err = h.wopi.RefreshLock(ctx, wopisrc, acctok, lock, wopi.RefreshOverrides{})
		}
		if err != nil {
			if ile, isInvalid := wopi.AsInvalidLock(err); !isInvalid || !ile.IsNotFound() {
				// the lock exists but cannot be used; hand out a
				// read-only copy instead of failing the open
				logger.Infow("opening the file in read-only mode", "url", wopisrc, "error", err)
				canWrite = false
			}
			lock, err = adapter.LoadFromStorage(ctx, filemd, wopisrc, acctok,
				bridge.GenDocID(h.hashSecret, wopisrc))
			if err != nil {
				logger.Errorw("failed to load the document into the app", "url", wopisrc, "error", err)
				writeGUI(w, http.StatusInternalServerError,
					"Unable to load the app, please try again later or contact support")
				return
			}
			if lockErr := h.wopi.Lock(ctx, wopisrc, acctok, lock); lockErr != nil {
				logger.Warnw("failed to lock the file, degrading to read-only",
					"url", wopisrc, "error", lockErr)
				canWrite = false
			}
		}
		h.state.UpsertOpen(wopisrc, acctok, lock)
	} else {
		lock, err = adapter.LoadFromStorage(ctx, filemd, wopisrc, acctok, "")
		if err != nil {
			logger.Errorw("failed to load the document into the app", "url", wopisrc, "error", err)
			writeGUI(w, http.StatusInternalServerError,
				"Unable to load the app, please try again later or contact support")
			return
		}
	}

	bridge.RecordOpen(canWrite)
	displayName := filemd.UserFriendlyName + "@" + platformPrefix(r.UserAgent())
	target, err := adapter.RedirectURL(ctx, canWrite, wopisrc, acctok, lock, displayName)
	if err != nil {
		logger.Errorw("failed to compute the app redirect", "url", wopisrc, "error", err)
		writeGUI(w, http.StatusInternalServerError,
			"Unable to load the app, please try again later or contact support")
		return
	}
	mode := "readwrite"
	if !canWrite {
		mode = "readonly"
	}
	logger.Infow("redirecting client to the app", "url", wopisrc, "mode", mode,
		"token", wopi.ShortToken(acctok))
	http.Redirect(w, r, target, http.StatusFound)
}

// save marks a document dirty and wakes the coordinator; the heavy work
// happens asynchronously. A result parked by a previous cycle is relayed
// back to the app right away.
func (h *bridgeRoutes) save(w http.ResponseWriter, r *http.Request) {
	wopisrc, acctok, err := parseMetadata(r.Header.Get(metadataHeader))
	if err != nil {
		logger.Errorw("malformed save metadata", "error", err)
		writeJSON(w, http.StatusInternalServerError,
			wopi.Jsonify("Malformed or missing metadata, could not save. "+wopi.RecoverMsg))
		return
	}
	isClose := r.URL.Query().Get("close") == "true"
	docid := r.URL.Query().Get("id")

	logger.Infow("save requested", "url", wopisrc, "close", isClose,
		"docid", docid, "token", wopi.ShortToken(acctok))
	if res, _ := h.state.EnqueueSave(wopisrc, acctok, docid, isClose); res != nil {
		writeJSON(w, res.Status, res.Body)
		return
	}
	writeJSON(w, http.StatusAccepted, []byte("{}"))
}

// list dumps the open-files registry for admins and monitoring.
func (h *bridgeRoutes) list(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.hashSecret &&
		r.URL.Query().Get("apikey") != h.hashSecret {
		writeGUI(w, http.StatusUnauthorized, "Client not authorized")
		return
	}
	body, err := json.Marshal(h.state.Dump())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wopi.Jsonify("Failed to serialize the registry"))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// parseMetadata splits the URL-encoded "wopisrc?t=acctok" save context.
func parseMetadata(meta string) (string, string, error) {
	decoded, err := url.QueryUnescape(meta)
	if err != nil {
		return "", "", fmt.Errorf("undecodable metadata: %w", err)
	}
	wopisrc, acctok, found := strings.Cut(decoded, "?t=")
	if !found || wopisrc == "" || acctok == "" {
		return "", "", fmt.Errorf("metadata does not look like wopisrc?t=token")
	}
	return wopisrc, acctok, nil
}

// platformPrefix derives the short platform tag shown next to the user
// name in the app. Android is probed before Linux because Android user
// agents contain both.
func platformPrefix(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "windows"):
		return "win"
	case strings.Contains(ua, "android"):
		return "and"
	case strings.Contains(ua, "mac"):
		return "mac"
	case strings.Contains(ua, "linux"):
		return "lin"
	default:
		return "oth"
	}
}

// writeGUI renders a short user-facing message; /open and /list answer to
// a browser, not to an API client.
func writeGUI(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<div align="center" style="color:#808080; padding-top:50px; font-family:Verdana">%s</div>`, msg)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
