package codimd

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// uploadPattern matches CodiMD upload references inside a document,
// including names that carry a collision-rename suffix.
var uploadPattern = regexp.MustCompile(`/uploads/upload_[0-9a-f]{32}(?:_[A-Z])?\.\w+`)

// slidePrefixes are the front-matter openings CodiMD renders as a slide deck.
var slidePrefixes = [][]byte{
	[]byte("---\ntitle"),
	[]byte("---\ntype"),
	[]byte("---\nslideOptions"),
}

func isSlides(doc []byte) bool {
	for _, p := range slidePrefixes {
		if bytes.HasPrefix(doc, p) {
			return true
		}
	}
	return false
}

// sha1hex returns the hex SHA-1 of the document, the digest format carried
// in WOPI locks.
func sha1hex(doc []byte) string {
	h := sha1.Sum(doc) // #nosec G401 - SHA-1 is the lock digest format, not used for security
	return hex.EncodeToString(h[:])
}

// pushAttachments unpacks a bundle and uploads every attachment to CodiMD,
// returning the contained Markdown document. Attachments the app already
// knows are skipped; name collisions are resolved by renaming the upload
// and rewriting its references inside the document.
func (c *CodiMD) pushAttachments(ctx context.Context, bundle []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, fmt.Errorf("unpacking bundle: %w", err)
	}
	var mddoc []byte
	var attachments []*zip.File
	for _, f := range zr.File {
		if filepath.Ext(f.Name) == ".md" {
			mddoc, err = readZipEntry(f)
			if err != nil {
				return nil, fmt.Errorf("unpacking bundle: %w", err)
			}
			continue
		}
		attachments = append(attachments, f)
	}
	if mddoc == nil {
		return nil, errors.New("bundle contains no markdown document")
	}
	for _, f := range attachments {
		content, err := readZipEntry(f)
		if err != nil {
			logger.Errorw("skipping unreadable attachment in bundle", "name", f.Name, "error", err)
			continue
		}
		mddoc = c.pushAttachment(ctx, mddoc, filepath.Base(f.Name), content)
	}
	return mddoc, nil
}

// pushAttachment uploads one attachment unless CodiMD already holds the
// same content under the same name. Upload failures are logged, not fatal:
// the document opens with a broken reference rather than not at all.
func (c *CodiMD) pushAttachment(ctx context.Context, mddoc []byte, name string, content []byte) []byte {
	status, size := c.probeUpload(ctx, name)
	switch {
	case status == http.StatusOK && size == int64(len(content)):
		logger.Debugw("attachment already known to CodiMD, skipping", "name", name)
		return mddoc
	case status == http.StatusOK:
		renamed := renameAttachment(name)
		logger.Warnw("attachment name collision in CodiMD, renaming",
			"name", name, "renamed", renamed)
		mddoc = bytes.ReplaceAll(mddoc, []byte(name), []byte(renamed))
		name = renamed
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", name)
	if err == nil {
		_, err = fw.Write(content)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		logger.Errorw("failed to encode attachment upload", "name", name, "error", err)
		return mddoc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.appurl+"/uploadimage?generateFilename=false", &buf)
	if err != nil {
		logger.Errorw("failed to build attachment upload", "name", name, "error", err)
		return mddoc
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := c.http.Do(req)
	if err != nil {
		logger.Errorw("failed to push attachment to CodiMD", "name", name, "error", err)
		return mddoc
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		logger.Errorw("failed to push attachment to CodiMD", "name", name, "status", res.StatusCode)
		return mddoc
	}
	logger.Debugw("pushed attachment to CodiMD", "name", name)
	return mddoc
}

// probeUpload asks CodiMD whether an upload with this name exists, and its
// size. An unreachable app reads as absent.
func (c *CodiMD) probeUpload(ctx context.Context, name string) (int, int64) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		c.appurl+"/uploads/"+name, nil)
	if err != nil {
		return 0, -1
	}
	res, err := c.noRedirect.Do(req)
	if err != nil {
		logger.Debugw("could not probe attachment in CodiMD", "name", name, "error", err)
		return 0, -1
	}
	res.Body.Close()
	return res.StatusCode, res.ContentLength
}

func renameAttachment(name string) string {
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%c%s", strings.TrimSuffix(name, ext), rune('A'+rand.Intn(26)), ext)
}

// pullAttachments fetches every attachment referenced by the document and
// packs them, together with the document itself stored under docName, into
// an uncompressed zip bundle. When no attachment is referenced and forceZip
// is unset, no bundle is produced and the caller keeps the plain document.
// The second return value carries the user-facing result for references
// that could not be fetched; those are skipped.
func (c *CodiMD) pullAttachments(ctx context.Context, mddoc []byte, docName string, forceZip bool) ([]byte, *wopi.SaveResult) {
	var attResult *wopi.SaveResult
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	packed := 0
	seen := make(map[string]bool)
	for _, ref := range uploadPattern.FindAllString(string(mddoc), -1) {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		content, err := c.fetchUpload(ctx, ref)
		if err != nil {
			logger.Errorw("failed to fetch attachment from CodiMD, skipping", "path", ref, "error", err)
			attResult = wopi.Message(http.StatusNotFound,
				"Failed to include a referenced picture in the saved file")
			continue
		}
		if err := packEntry(zw, filepath.Base(ref), content); err != nil {
			logger.Errorw("failed to pack attachment, skipping", "path", ref, "error", err)
			attResult = wopi.Message(http.StatusNotFound,
				"Failed to include a referenced picture in the saved file")
			continue
		}
		packed++
	}
	if !forceZip && packed == 0 {
		return nil, attResult
	}
	if err := packEntry(zw, docName, mddoc); err != nil {
		logger.Errorw("failed to pack document into bundle", "name", docName, "error", err)
		return nil, wopi.Message(http.StatusInternalServerError,
			"Could not save the file: failed to bundle it. "+wopi.RecoverMsg)
	}
	if err := zw.Close(); err != nil {
		logger.Errorw("failed to finalize bundle", "name", docName, "error", err)
		return nil, wopi.Message(http.StatusInternalServerError,
			"Could not save the file: failed to bundle it. "+wopi.RecoverMsg)
	}
	return buf.Bytes(), attResult
}

func (c *CodiMD) fetchUpload(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.appurl+ref, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

// packEntry stores one uncompressed entry in the bundle. Attachments are
// typically images, compressing them again buys nothing.
func packEntry(zw *zip.Writer, name string, content []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
