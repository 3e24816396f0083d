package codimd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cs3org/wopibridge/pkg/apps"
	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// newNote pushes a read-only copy of the document and lets CodiMD assign
// the note identifier.
func (c *CodiMD) newNote(ctx context.Context, mddoc []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.appurl+"/new?mode=locked", bytes.NewReader(mddoc))
	if err != nil {
		return "", fmt.Errorf("building new-note request: %w", err)
	}
	req.Header.Set("Content-Type", "text/markdown")
	res, err := c.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: pushing read-only document: %v", apps.ErrAppFailure, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusFound {
		logger.Errorw("unable to push read-only document to CodiMD", "status", res.StatusCode)
		return "", fmt.Errorf("%w: pushing read-only document: unexpected status %d", apps.ErrAppFailure, res.StatusCode)
	}
	docid := lastPathSegment(res.Header.Get("Location"))
	if docid == "" {
		return "", fmt.Errorf("%w: pushing read-only document: missing note location", apps.ErrAppFailure)
	}
	logger.Infow("pushed read-only document to CodiMD", "docid", docid)
	return docid, nil
}

// pushNote reserves the given docid, adopting the alias CodiMD may answer
// with, and replaces the note content through the notes API.
func (c *CodiMD) pushNote(ctx context.Context, mddoc []byte, docid, acctok string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		c.noteURL(docid)+c.apiKeyQuery(), nil)
	if err != nil {
		return "", fmt.Errorf("building note probe: %w", err)
	}
	res, err := c.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: probing document: %v", apps.ErrAppFailure, err)
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		logger.Debugw("document already known to CodiMD", "docid", docid)
	case http.StatusFound:
		aliased := lastPathSegment(res.Header.Get("Location"))
		if aliased == "" {
			return "", fmt.Errorf("%w: probing document: missing alias location", apps.ErrAppFailure)
		}
		logger.Infow("document got aliased by CodiMD", "docid", docid, "alias", aliased)
		docid = aliased
	default:
		logger.Errorw("unable to probe document in CodiMD", "docid", docid, "status", res.StatusCode)
		return "", fmt.Errorf("%w: probing document: unexpected status %d", apps.ErrAppFailure, res.StatusCode)
	}

	payload, err := json.Marshal(map[string]string{"content": string(mddoc)})
	if err != nil {
		return "", fmt.Errorf("encoding note content: %w", err)
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPut,
		c.appurl+"/api/notes/"+strings.TrimPrefix(docid, "/")+c.apiKeyQuery(),
		bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building note update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err = c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: pushing document: %v", apps.ErrAppFailure, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		logger.Infow("pushed document to CodiMD",
			"docid", docid, "token", wopi.ShortToken(acctok))
	case http.StatusForbidden:
		// the note is already being edited, its live content wins
		logger.Warnw("document is being edited in CodiMD, not overwriting",
			"docid", docid, "token", wopi.ShortToken(acctok))
	default:
		logger.Errorw("unable to push document to CodiMD", "docid", docid, "status", res.StatusCode)
		return "", fmt.Errorf("%w: pushing document: unexpected status %d", apps.ErrAppFailure, res.StatusCode)
	}
	return docid, nil
}

// fetchNote downloads the current Markdown content of a note.
func (c *CodiMD) fetchNote(ctx context.Context, docid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.noteURL(docid)+"/download", nil)
	if err != nil {
		return nil, fmt.Errorf("building note download request: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching document: %v", apps.ErrAppFailure, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		logger.Errorw("unable to fetch document from CodiMD", "docid", docid, "status", res.StatusCode)
		return nil, fmt.Errorf("%w: fetching document: unexpected status %d", apps.ErrAppFailure, res.StatusCode)
	}
	content, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading document: %v", apps.ErrAppFailure, err)
	}
	return content, nil
}

// lastPathSegment extracts the trailing path segment of a Location header.
func lastPathSegment(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	segs := strings.Split(u.Path, "/")
	return segs[len(segs)-1]
}
