package requestid_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/requestid"
)

func serve(t *testing.T, header string) (ctxID string, rec *httptest.ResponseRecorder) {
	t.Helper()

	h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = requestid.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", nil)
	if header != "" {
		req.Header.Set(requestid.Header, header)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("keeps valid incoming id", func(t *testing.T) {
		t.Parallel()
		id, rec := serve(t, "req_abc-123")
		assert.Equal(t, "req_abc-123", id)
		assert.Equal(t, "req_abc-123", rec.Header().Get(requestid.Header))
	})

	t.Run("generates id when missing", func(t *testing.T) {
		t.Parallel()
		id, rec := serve(t, "")
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, id, rec.Header().Get(requestid.Header))
	})

	t.Run("replaces malformed id", func(t *testing.T) {
		t.Parallel()
		id, _ := serve(t, "bad id; drop table")
		assert.NotEqual(t, "bad id; drop table", id)
		_, err := uuid.Parse(id)
		require.NoError(t, err)
	})

	t.Run("replaces oversized id", func(t *testing.T) {
		t.Parallel()
		long := strings.Repeat("a", 129)
		id, _ := serve(t, long)
		assert.NotEqual(t, long, id)
	})
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()

	attr, ok := requestid.LoggerExtractor()(requestid.WithContext(context.Background(), "r-1"))
	require.True(t, ok)
	assert.Equal(t, "request_id", attr.Key)
	assert.Equal(t, "r-1", attr.Value.String())

	_, ok = requestid.LoggerExtractor()(context.Background())
	assert.False(t, ok)
}
