// Package codimd integrates CodiMD as the collaborative editor behind the
// bridge for Markdown documents, including the bundled .zmd format that
// carries a document together with its uploaded attachments.
package codimd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cs3org/wopibridge/pkg/apps"
	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/networking"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// apikeyFile is the secret file holding the CodiMD API key.
const apikeyFile = "codimd_apikey"

// Startup probe tuning; see WaitReachable.
const (
	probeInitialInterval = 2 * time.Second
	probeMaxTries        = 8
)

// Config carries the CodiMD endpoints and credential location.
type Config struct {
	// ExternalURL is the browser-facing base URL users get redirected to.
	ExternalURL string
	// InternalURL is the base URL the bridge itself calls; it defaults to
	// ExternalURL when the app is reachable on a single endpoint.
	InternalURL string
	// SecretsDir is the directory holding the codimd_apikey file.
	SecretsDir string
	// SkipTLSVerify disables certificate verification on app calls.
	SkipTLSVerify bool
}

// CodiMD is the adapter for .md, .zmd and .mds documents.
type CodiMD struct {
	exturl string
	appurl string
	apikey string
	wopi   *wopi.Client

	// noRedirect surfaces 302 responses so docid aliases and published
	// slugs can be read from the Location header.
	http       *http.Client
	noRedirect *http.Client
}

// New builds the adapter, reading the API key secret. A missing external
// URL or unreadable secret disables the adapter.
func New(cfg Config, wopiClient *wopi.Client) (*CodiMD, error) {
	if cfg.ExternalURL == "" {
		return nil, errors.New("missing CODIMD_EXT_URL configuration")
	}
	exturl := strings.TrimRight(cfg.ExternalURL, "/")
	appurl := strings.TrimRight(cfg.InternalURL, "/")
	if appurl == "" {
		appurl = exturl
	}
	apikey, err := readAPIKey(filepath.Join(cfg.SecretsDir, apikeyFile))
	if err != nil {
		return nil, err
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithSkipTLSVerify(cfg.SkipTLSVerify).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building CodiMD HTTP client: %w", err)
	}
	noRedirect, err := networking.NewHttpClientBuilder().
		WithSkipTLSVerify(cfg.SkipTLSVerify).
		WithoutRedirects().
		Build()
	if err != nil {
		return nil, fmt.Errorf("building CodiMD HTTP client: %w", err)
	}

	return &CodiMD{
		exturl:     exturl,
		appurl:     appurl,
		apikey:     apikey,
		wopi:       wopiClient,
		http:       httpClient,
		noRedirect: noRedirect,
	}, nil
}

func readAPIKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading CodiMD API key: %w", err)
	}
	key, _, _ := strings.Cut(string(b), "\n")
	key = strings.TrimRight(key, "\r")
	if key == "" {
		return "", fmt.Errorf("CodiMD API key file %s is empty", path)
	}
	return key, nil
}

// LoadFromStorage fetches the document from the WOPI storage, unpacks it
// when bundled and pushes the content into CodiMD. It returns the initial
// lock for the session.
func (c *CodiMD) LoadFromStorage(ctx context.Context, filemd *wopi.FileInfo, wopisrc, acctok, docid string) (*wopi.Lock, error) {
	content, err := c.wopi.GetFile(ctx, wopisrc, acctok)
	if err != nil {
		return nil, fmt.Errorf("fetching file from storage: %w", err)
	}
	mddoc := content
	if filepath.Ext(filemd.BaseFileName) == ".zmd" {
		mddoc, err = c.pushAttachments(ctx, content)
		if err != nil {
			return nil, err
		}
	}
	digest := sha1hex(mddoc)

	if docid == "" {
		docid, err = c.newNote(ctx, mddoc)
	} else {
		docid, err = c.pushNote(ctx, mddoc, docid, acctok)
	}
	if err != nil {
		return nil, err
	}

	app := "md"
	if isSlides(mddoc) {
		app = "mds"
	}
	return wopi.GenerateLock(docid, filemd, digest, app, acctok, false), nil
}

// SaveToStorage fetches the current content from CodiMD and stores it back
// at the WOPI storage. A close that did not change the content is skipped;
// a close that changed the attachment set switches the file between its
// plain and bundled form under a new name.
func (c *CodiMD) SaveToStorage(ctx context.Context, wopisrc, acctok string, isClose bool, lock *wopi.Lock) *wopi.SaveResult {
	logger.Infow("fetching document from CodiMD",
		"isclose", isClose, "docid", lock.DocID, "token", wopi.ShortToken(acctok))
	mddoc, err := c.fetchNote(ctx, lock.DocID)
	if err != nil {
		logger.Errorw("save failed", "docid", lock.DocID, "error", err)
		return wopi.Message(http.StatusInternalServerError,
			"Could not save the file: failed to fetch the document from CodiMD")
	}

	var digest string
	if isClose && lock.Digest != wopi.DirtyDigest {
		digest = sha1hex(mddoc)
		if digest == lock.Digest {
			logger.Infow("file unchanged, skipping save",
				"filename", lock.Filename, "token", wopi.ShortToken(acctok))
			return &wopi.SaveResult{Status: http.StatusAccepted, Body: []byte("{}")}
		}
	}

	wasBundle := filepath.Ext(lock.Filename) == ".zmd"
	docName := lock.Filename
	if wasBundle {
		docName = strings.TrimSuffix(docName, ".zmd") + ".md"
	}
	// mid-session saves of a bundle must stay bundled even when every
	// attachment got removed; only a close may switch the format
	bundle, attResult := c.pullAttachments(ctx, mddoc, docName, wasBundle && !isClose)

	if (wasBundle != (bundle == nil)) || !isClose {
		content := mddoc
		if wasBundle && bundle != nil {
			content = bundle
		}
		if reply := c.wopi.PutFile(ctx, wopisrc, acctok, lock, content); reply != nil {
			return reply
		}
		if isClose && lock.Digest == wopi.DirtyDigest {
			digest = sha1hex(mddoc)
		}
		if digest == "" {
			digest = wopi.DirtyDigest
		}
		if _, err := c.wopi.RefreshLock(ctx, wopisrc, acctok, lock, wopi.RefreshOverrides{Digest: digest}); err != nil {
			logger.Warnw("failed to refresh the lock after saving",
				"url", wopisrc, "error", err, "token", wopi.ShortToken(acctok))
		}
		logger.Infow("file saved successfully",
			"filename", lock.Filename, "isclose", isClose, "token", wopi.ShortToken(acctok))
		if attResult != nil {
			return attResult
		}
		return wopi.Message(http.StatusOK, "File saved successfully")
	}

	// the document gained or lost its attachments on close
	ext := ".md"
	content := mddoc
	if bundle != nil {
		ext = ".zmd"
		content = bundle
	}
	target := strings.TrimSuffix(lock.Filename, filepath.Ext(lock.Filename)) + ext
	logger.Infow("attachment set changed, saving under a new name",
		"filename", lock.Filename, "target", target, "token", wopi.ShortToken(acctok))
	return c.wopi.SaveAs(ctx, wopisrc, acctok, lock, target, content)
}

// RedirectURL computes the CodiMD URL the user's browser is sent to. For
// read-only sessions the published form of the note is preferred when it
// exists; slide decks render directly.
func (c *CodiMD) RedirectURL(ctx context.Context, canWrite bool, wopisrc, acctok string, lock *wopi.Lock, displayName string) (string, error) {
	docid := strings.TrimPrefix(lock.DocID, "/")
	if canWrite {
		return c.exturl + "/" + docid +
			"?metadata=" + url.QueryEscape(wopisrc+"?t="+acctok) +
			"&apiKey=" + url.QueryEscape(c.apikey) +
			"&displayName=" + url.QueryEscape(displayName), nil
	}

	target := docid
	if lock.App != "mds" {
		target += "/publish"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.appurl+"/"+target+c.apiKeyQuery(), nil)
	if err != nil {
		return "", fmt.Errorf("building publish probe: %w", err)
	}
	res, err := c.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: probing published form: %v", apps.ErrAppFailure, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusFound {
		slug := lastPathSegment(res.Header.Get("Location"))
		if slug != "" {
			return c.exturl + "/s/" + slug, nil
		}
	}
	return c.exturl + "/" + docid + c.apiKeyQuery(), nil
}

// WaitReachable probes the app's status endpoint until it answers or the
// retry budget runs out. Any HTTP status counts as reachable; only
// transport failures are retried.
func (c *CodiMD) WaitReachable(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = probeInitialInterval

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.appurl+"/status", nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		res, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		res.Body.Close()
		return struct{}{}, nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warnw("CodiMD not reachable yet, retrying",
			"url", c.appurl, "error", err, "retry_in", next)
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(probeMaxTries),
		backoff.WithNotify(notify)); err != nil {
		return fmt.Errorf("CodiMD unreachable at %s: %w", c.appurl, err)
	}
	logger.Infow("CodiMD is reachable", "url", c.appurl)
	return nil
}

func (c *CodiMD) apiKeyQuery() string {
	return "?apiKey=" + url.QueryEscape(c.apikey)
}

// noteURL builds the app URL of a note, tolerating docids recorded with a
// leading slash by older bridge versions.
func (c *CodiMD) noteURL(docid string) string {
	return c.appurl + "/" + strings.TrimPrefix(docid, "/")
}
