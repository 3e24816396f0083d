package networking

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPError(t *testing.T) {
	t.Parallel()

	err := NewHTTPError(404, "http://codimd.local/note/download", "not found")

	require.Error(t, err)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 404, httpErr.StatusCode)
	assert.Equal(t, "http://codimd.local/note/download", httpErr.URL)
	assert.Equal(t, "not found", httpErr.Message)
}

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()

	err := &HTTPError{
		StatusCode: 403,
		Message:    "forbidden",
		URL:        "http://codimd.local/api/notes/x",
	}

	assert.Equal(t, "HTTP 403 for URL http://codimd.local/api/notes/x: forbidden", err.Error())
}

func TestIsHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   bool
	}{
		{
			name:       "matching status code",
			err:        NewHTTPError(404, "http://x", "not found"),
			statusCode: 404,
			expected:   true,
		},
		{
			name:       "non-matching status code",
			err:        NewHTTPError(404, "http://x", "not found"),
			statusCode: 500,
			expected:   false,
		},
		{
			name:       "zero matches any HTTPError",
			err:        NewHTTPError(502, "http://x", "bad gateway"),
			statusCode: 0,
			expected:   true,
		},
		{
			name:       "wrapped HTTPError is unwrapped",
			err:        fmt.Errorf("fetching note: %w", NewHTTPError(409, "http://x", "conflict")),
			statusCode: 409,
			expected:   true,
		},
		{
			name:       "not an HTTPError",
			err:        errors.New("plain error"),
			statusCode: 0,
			expected:   false,
		},
		{
			name:       "nil error",
			err:        nil,
			statusCode: 0,
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, IsHTTPError(tt.err, tt.statusCode))
		})
	}
}
