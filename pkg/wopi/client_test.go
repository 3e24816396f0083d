package wopi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/wopibridge/pkg/networking"
)

const testToken = "very-long-access-token-0123456789abcdefghij"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(false)
	require.NoError(t, err)
	return c
}

func TestGetFileInfo(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/wopi/files/fileid", r.URL.Path)
		assert.Equal(t, testToken, r.URL.Query().Get("access_token"))
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(FileInfo{
			BaseFileName:     "notes.md",
			FileName:         "/home/user/notes.md",
			UserFriendlyName: "Test User",
			UserCanWrite:     true,
		})
	}))
	defer srv.Close()

	md, err := newTestClient(t).GetFileInfo(context.Background(), srv.URL+"/wopi/files/fileid", testToken)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", md.BaseFileName)
	assert.Equal(t, "Test User", md.UserFriendlyName)
	assert.True(t, md.UserCanWrite)
}

func TestGetFileInfoFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t).GetFileInfo(context.Background(), srv.URL+"/wopi/files/fileid", testToken)
	require.Error(t, err)
	assert.True(t, networking.IsHTTPError(err, http.StatusUnauthorized))
}

func TestGetFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/wopi/files/fileid/contents", r.URL.Path)
		_, _ = w.Write([]byte("# hello"))
	}))
	defer srv.Close()

	content, err := newTestClient(t).GetFile(context.Background(), srv.URL+"/wopi/files/fileid", testToken)
	require.NoError(t, err)
	assert.Equal(t, []byte("# hello"), content)
}

func TestGetLock(t *testing.T) {
	t.Parallel()

	stored := &Lock{DocID: "doc", Filename: "notes.md", Digest: DirtyDigest, App: "md",
		ToClose: map[string]bool{"0123456789abcdefghij": false}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "GET_LOCK", r.Header.Get(HeaderOverride))
		w.Header().Set(HeaderLock, stored.Encode())
	}))
	defer srv.Close()

	lock, err := newTestClient(t).GetLock(context.Background(), srv.URL+"/wopi/files/fileid", testToken)
	require.NoError(t, err)
	assert.Equal(t, "doc", lock.DocID)
	assert.Equal(t, stored.ToClose, lock.ToClose)
}

func TestGetLockInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		notFound   bool
	}{
		{
			name:       "no lock held",
			handler:    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantStatus: http.StatusNotFound,
			notFound:   true,
		},
		{
			name:       "storage error",
			handler:    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "missing lock header",
			handler:    func(http.ResponseWriter, *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name: "unparsable lock",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set(HeaderLock, "some foreign lock")
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := newTestClient(t).GetLock(context.Background(), srv.URL+"/wopi/files/fileid", testToken)
			require.Error(t, err)
			ile, ok := AsInvalidLock(err)
			require.True(t, ok, "expected an InvalidLockError, got %v", err)
			assert.Equal(t, tc.wantStatus, ile.StatusCode)
			assert.Equal(t, tc.notFound, ile.IsNotFound())
		})
	}
}

func TestLockAndUnlock(t *testing.T) {
	t.Parallel()

	var verbs []string
	var payloads []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verbs = append(verbs, r.Header.Get(HeaderOverride))
		payloads = append(payloads, r.Header.Get(HeaderLock))
	}))
	defer srv.Close()

	client := newTestClient(t)
	lock := GenerateLock("doc", &FileInfo{BaseFileName: "notes.md"}, DirtyDigest, "md", testToken, false)

	require.NoError(t, client.Lock(context.Background(), srv.URL+"/wopi/files/fileid", testToken, lock))
	require.NoError(t, client.Unlock(context.Background(), srv.URL+"/wopi/files/fileid", testToken, lock))

	require.Equal(t, []string{"LOCK", "UNLOCK"}, verbs)
	assert.Equal(t, lock.Encode(), payloads[0])
	assert.Equal(t, lock.Encode(), payloads[1])
}

func TestLockFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	lock := GenerateLock("doc", &FileInfo{BaseFileName: "notes.md"}, DirtyDigest, "md", testToken, false)
	err := newTestClient(t).Lock(context.Background(), srv.URL+"/wopi/files/fileid", testToken, lock)
	require.Error(t, err)
	assert.True(t, networking.IsHTTPError(err, http.StatusConflict))
}

func TestRefreshLockAppendsCaller(t *testing.T) {
	t.Parallel()

	var sent, old string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "REFRESH_LOCK", r.Header.Get(HeaderOverride))
		sent = r.Header.Get(HeaderLock)
		old = r.Header.Get(HeaderOldLock)
	}))
	defer srv.Close()

	current := &Lock{DocID: "doc", Filename: "notes.md", Digest: "abc", App: "md",
		ToClose: map[string]bool{"someone-else-shorttk": true}}
	refreshed, err := newTestClient(t).RefreshLock(
		context.Background(), srv.URL+"/wopi/files/fileid", testToken, current, RefreshOverrides{})
	require.NoError(t, err)

	assert.Equal(t, old, current.Encode())
	assert.Equal(t, sent, refreshed.Encode())
	assert.Equal(t, map[string]bool{
		"someone-else-shorttk": true,
		"0123456789abcdefghij": false,
	}, refreshed.ToClose)
	assert.Equal(t, "abc", refreshed.Digest, "digest must be untouched without an override")
	assert.NotContains(t, current.ToClose, "0123456789abcdefghij", "the input lock must not be mutated")
}

func TestRefreshLockOverrides(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	current := &Lock{DocID: "doc", Digest: DirtyDigest, App: "md",
		ToClose: map[string]bool{"0123456789abcdefghij": false}}
	refreshed, err := newTestClient(t).RefreshLock(
		context.Background(), srv.URL+"/wopi/files/fileid", testToken, current,
		RefreshOverrides{Digest: "feedface", ToClose: map[string]bool{"0123456789abcdefghij": true}})
	require.NoError(t, err)

	assert.Equal(t, "feedface", refreshed.Digest)
	assert.Equal(t, map[string]bool{"0123456789abcdefghij": true}, refreshed.ToClose)
}

func TestRefreshLockConflictAdoptsWinner(t *testing.T) {
	t.Parallel()

	winner := &Lock{DocID: "doc", Filename: "notes.md", Digest: "cafe", App: "md",
		ToClose: map[string]bool{"another-participant.": false}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get(HeaderOverride) {
		case "REFRESH_LOCK":
			w.WriteHeader(http.StatusConflict)
		case "GET_LOCK":
			w.Header().Set(HeaderLock, winner.Encode())
		default:
			t.Errorf("unexpected override %q", r.Header.Get(HeaderOverride))
		}
	}))
	defer srv.Close()

	current := &Lock{DocID: "doc", Digest: DirtyDigest, App: "md",
		ToClose: map[string]bool{"0123456789abcdefghij": false}}
	refreshed, err := newTestClient(t).RefreshLock(
		context.Background(), srv.URL+"/wopi/files/fileid", testToken, current, RefreshOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "cafe", refreshed.Digest)
	assert.Equal(t, winner.ToClose, refreshed.ToClose)
}

func TestRelock(t *testing.T) {
	t.Parallel()

	var locked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(FileInfo{BaseFileName: "notes.md", UserCanWrite: true})
			return
		}
		assert.Equal(t, "LOCK", r.Header.Get(HeaderOverride))
		locked = r.Header.Get(HeaderLock)
	}))
	defer srv.Close()

	lock, err := newTestClient(t).Relock(
		context.Background(), srv.URL+"/wopi/files/fileid", testToken, "doc", true)
	require.NoError(t, err)
	assert.Equal(t, "doc", lock.DocID)
	assert.Equal(t, DirtyDigest, lock.Digest)
	assert.Equal(t, "md", lock.App)
	assert.Equal(t, map[string]bool{"0123456789abcdefghij": true}, lock.ToClose)
	assert.Equal(t, lock.Encode(), locked)
}

func TestRelockFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(FileInfo{BaseFileName: "notes.md"})
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := newTestClient(t).Relock(
		context.Background(), srv.URL+"/wopi/files/fileid", testToken, "doc", false)
	require.Error(t, err)
	ile, ok := AsInvalidLock(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, ile.StatusCode)
	assert.False(t, ile.IsNotFound())
}

func TestPutFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		wantNil    bool
		wantInBody string
	}{
		{name: "success", status: http.StatusOK, wantNil: true},
		{name: "conflict", status: http.StatusConflict, wantInBody: "conflictual state"},
		{name: "storage failure", status: http.StatusInternalServerError, wantInBody: "could not be stored"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/wopi/files/fileid/contents", r.URL.Path)
				assert.NotEmpty(t, r.Header.Get(HeaderLock))
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			lock := GenerateLock("doc", &FileInfo{BaseFileName: "notes.md"}, DirtyDigest, "md", testToken, false)
			reply := newTestClient(t).PutFile(
				context.Background(), srv.URL+"/wopi/files/fileid", testToken, lock, []byte("# hello"))
			if tc.wantNil {
				assert.Nil(t, reply)
				return
			}
			require.NotNil(t, reply)
			assert.Equal(t, http.StatusInternalServerError, reply.Status)
			assert.Contains(t, string(reply.Body), tc.wantInBody)
			assert.Contains(t, string(reply.Body), RecoverMsg)
		})
	}
}

func TestSaveAs(t *testing.T) {
	t.Parallel()

	var targets, verbs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verbs = append(verbs, r.Header.Get(HeaderOverride))
		if r.Header.Get(HeaderOverride) == "PUT_RELATIVE" {
			targets = append(targets, r.Header.Get(HeaderSuggestedTarget))
		}
	}))
	defer srv.Close()

	lock := GenerateLock("doc", &FileInfo{BaseFileName: "notes.zmd"}, "abc", "md", testToken, true)
	reply := newTestClient(t).SaveAs(
		context.Background(), srv.URL+"/wopi/files/fileid", testToken, lock, "notes.md", []byte("# hello"))

	require.NotNil(t, reply)
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.Contains(t, string(reply.Body), "File saved successfully")
	assert.Equal(t, []string{"PUT_RELATIVE", "UNLOCK"}, verbs)
	assert.Equal(t, []string{"notes.md"}, targets)
}

func TestJsonify(t *testing.T) {
	t.Parallel()

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(Jsonify(`tricky "message"`), &decoded))
	assert.Equal(t, map[string]string{"message": `tricky "message"`}, decoded)
}

func TestHandlePutFileSuccess(t *testing.T) {
	t.Parallel()

	assert.Nil(t, HandlePutFile("PutFile", "https://wopi/files/x", http.StatusOK))
}
