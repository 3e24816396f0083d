package wopi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/networking"
)

// WOPI protocol headers used by the bridge.
const (
	HeaderOverride        = "X-WOPI-Override"
	HeaderLock            = "X-WOPI-Lock"
	HeaderOldLock         = "X-WOPI-OldLock"
	HeaderSuggestedTarget = "X-WOPI-SuggestedTarget"
)

// Override verbs for the POST operations the bridge issues.
const (
	verbLock        = "LOCK"
	verbUnlock      = "UNLOCK"
	verbRefreshLock = "REFRESH_LOCK"
	verbGetLock     = "GET_LOCK"
	verbPutRelative = "PUT_RELATIVE"
)

// FileInfo is the subset of the WOPI CheckFileInfo response the bridge
// consumes; unknown fields are ignored.
type FileInfo struct {
	BaseFileName     string `json:"BaseFileName"`
	FileName         string `json:"FileName"`
	UserFriendlyName string `json:"UserFriendlyName"`
	UserCanWrite     bool   `json:"UserCanWrite"`
}

// Client issues WOPI calls against the storage endpoints baked into each
// document's WOPISrc URL. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

// NewClient builds a WOPI client. skipTLSVerify disables certificate
// verification for storages deployed with self-signed certificates.
func NewClient(skipTLSVerify bool) (*Client, error) {
	httpClient, err := networking.NewHttpClientBuilder().
		WithSkipTLSVerify(skipTLSVerify).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building WOPI HTTP client: %w", err)
	}
	return &Client{http: httpClient}, nil
}

// RefreshOverrides selects which parts of a lock RefreshLock replaces.
// A non-empty Digest replaces the digest; a non-nil ToClose replaces the
// close map wholesale. When ToClose is nil the caller is appended as an
// open participant if not yet present.
type RefreshOverrides struct {
	Digest  string
	ToClose map[string]bool
}

// Request performs a raw WOPI call against the document named by wopisrc.
// toContents targets the /contents sub-resource; body may be nil. The
// access token is passed both as a bearer header and as the access_token
// query parameter, as WOPI implementations disagree on which one to honor.
func (c *Client) Request(ctx context.Context, wopisrc, acctok, method string, toContents bool, headers map[string]string, body []byte) (*http.Response, error) {
	u, err := url.Parse(wopisrc)
	if err != nil {
		return nil, fmt.Errorf("invalid WOPISrc URL: %w", err)
	}
	if toContents {
		u.Path += "/contents"
	}
	q := u.Query()
	q.Set("access_token", acctok)
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("building WOPI request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acctok)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	logger.Debugw("calling WOPI",
		"method", method, "url", wopisrc, "contents", toContents,
		"override", headers[HeaderOverride], "token", ShortToken(acctok))
	return c.http.Do(req)
}

// GetFileInfo fetches the WOPI metadata of the document.
func (c *Client) GetFileInfo(ctx context.Context, wopisrc, acctok string) (*FileInfo, error) {
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodGet, false, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching file metadata: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, networking.NewHTTPError(res.StatusCode, wopisrc, "fetching file metadata")
	}
	var md FileInfo
	if err := json.NewDecoder(res.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("decoding file metadata: %w", err)
	}
	return &md, nil
}

// GetFile downloads the document content from the storage.
func (c *Client) GetFile(ctx context.Context, wopisrc, acctok string) ([]byte, error) {
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodGet, true, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching file content: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, networking.NewHTTPError(res.StatusCode, wopisrc, "fetching file content")
	}
	content, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading file content: %w", err)
	}
	return content, nil
}

// GetLock retrieves and decodes the current lock. A missing, unreadable or
// unreachable lock is reported as *InvalidLockError; IsNotFound
// distinguishes the plain-missing case.
func (c *Client) GetLock(ctx context.Context, wopisrc, acctok string) (*Lock, error) {
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodPost, false,
		map[string]string{HeaderOverride: verbGetLock}, nil)
	if err != nil {
		return nil, &InvalidLockError{StatusCode: http.StatusInternalServerError, Reason: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, &InvalidLockError{StatusCode: res.StatusCode, Reason: "lock not available"}
	}
	raw := res.Header.Get(HeaderLock)
	if raw == "" {
		return nil, &InvalidLockError{StatusCode: res.StatusCode, Reason: "empty X-WOPI-Lock header"}
	}
	lock, err := ParseLock(raw)
	if err != nil {
		return nil, &InvalidLockError{StatusCode: res.StatusCode, Reason: err.Error()}
	}
	return lock, nil
}

// Lock deposits the given lock at the WOPI server.
func (c *Client) Lock(ctx context.Context, wopisrc, acctok string, lock *Lock) error {
	return c.postLock(ctx, wopisrc, acctok, verbLock, lock)
}

// Unlock releases the lock held at the WOPI server.
func (c *Client) Unlock(ctx context.Context, wopisrc, acctok string, lock *Lock) error {
	return c.postLock(ctx, wopisrc, acctok, verbUnlock, lock)
}

func (c *Client) postLock(ctx context.Context, wopisrc, acctok, verb string, lock *Lock) error {
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodPost, false,
		map[string]string{HeaderOverride: verb, HeaderLock: lock.Encode()}, nil)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", verb, wopisrc, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return networking.NewHTTPError(res.StatusCode, wopisrc, verb)
	}
	return nil
}

// RefreshLock pushes an updated lock to the WOPI server, applying the
// given overrides on top of a deep copy of the current lock. On a 409 the
// lock was updated concurrently by another actor; the winning lock is
// fetched and adopted.
func (c *Client) RefreshLock(ctx context.Context, wopisrc, acctok string, lock *Lock, ov RefreshOverrides) (*Lock, error) {
	newLock := lock.Clone()
	switch {
	case ov.ToClose != nil:
		newLock.ToClose = make(map[string]bool, len(ov.ToClose))
		for tok, closed := range ov.ToClose {
			newLock.ToClose[tok] = closed
		}
	case !lock.HasToken(acctok):
		newLock.ToClose[ShortToken(acctok)] = false
	}
	if ov.Digest != "" {
		newLock.Digest = ov.Digest
	}
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodPost, false, map[string]string{
		HeaderOverride: verbRefreshLock,
		HeaderLock:     newLock.Encode(),
		HeaderOldLock:  lock.Encode(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("refreshing lock: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return newLock, nil
	case http.StatusConflict:
		logger.Warnw("got conflict on refreshing lock, fetching the winning lock",
			"url", wopisrc, "token", ShortToken(acctok))
		return c.GetLock(ctx, wopisrc, acctok)
	default:
		return nil, networking.NewHTTPError(res.StatusCode, wopisrc, "refreshing lock")
	}
}

// Relock re-acquires a lock for a document whose lock disappeared or got
// corrupted while a session was active. The rebuilt lock carries a dirty
// digest so the next close always re-saves. Failures are reported as
// *InvalidLockError so callers treat them like the lock loss they follow.
func (c *Client) Relock(ctx context.Context, wopisrc, acctok, docid string, isClose bool) (*Lock, error) {
	filemd, err := c.GetFileInfo(ctx, wopisrc, acctok)
	if err != nil {
		return nil, &InvalidLockError{
			StatusCode: httpStatusOf(err),
			Reason:     fmt.Sprintf("fetching metadata for relock: %v", err),
		}
	}
	lock := GenerateLock(docid, filemd, DirtyDigest, "md", acctok, isClose)
	if err := c.Lock(ctx, wopisrc, acctok, lock); err != nil {
		return nil, &InvalidLockError{
			StatusCode: httpStatusOf(err),
			Reason:     fmt.Sprintf("acquiring new lock: %v", err),
		}
	}
	return lock, nil
}

// PutFile stores content at the storage under the current lock. A non-nil
// result is the user-facing failure to park for the next /save.
func (c *Client) PutFile(ctx context.Context, wopisrc, acctok string, lock *Lock, content []byte) *SaveResult {
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodPost, true,
		map[string]string{HeaderLock: lock.Encode()}, content)
	if err != nil {
		logger.Errorw("failed to reach the storage", "operation", "PutFile", "url", wopisrc, "error", err)
		return Message(http.StatusInternalServerError, "Your changes could not be stored. "+RecoverMsg)
	}
	defer res.Body.Close()
	return HandlePutFile("PutFile", wopisrc, res.StatusCode)
}

// SaveAs stores content under a new name next to the original document and
// releases the lock on the original. Documents switch name when their
// bundle format changes on close.
func (c *Client) SaveAs(ctx context.Context, wopisrc, acctok string, lock *Lock, target string, content []byte) *SaveResult {
	res, err := c.Request(ctx, wopisrc, acctok, http.MethodPost, false, map[string]string{
		HeaderOverride:        verbPutRelative,
		HeaderLock:            lock.Encode(),
		HeaderSuggestedTarget: target,
	}, content)
	if err != nil {
		logger.Errorw("failed to reach the storage", "operation", "PutRelativeFile", "url", wopisrc, "error", err)
		return Message(http.StatusInternalServerError, "Your changes could not be stored. "+RecoverMsg)
	}
	defer res.Body.Close()
	if reply := HandlePutFile("PutRelativeFile", wopisrc, res.StatusCode); reply != nil {
		return reply
	}
	// the original file stays around under its old name; release our lock on it
	if err := c.Unlock(ctx, wopisrc, acctok, lock); err != nil {
		logger.Warnw("failed to unlock the original file after save-as",
			"url", wopisrc, "error", err)
	}
	logger.Infow("file saved under a new name",
		"filename", target, "token", ShortToken(acctok))
	return Message(http.StatusOK, "File saved successfully")
}

// httpStatusOf extracts the status of a failed WOPI call, defaulting to
// 500 for transport-level failures.
func httpStatusOf(err error) int {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return http.StatusInternalServerError
}
