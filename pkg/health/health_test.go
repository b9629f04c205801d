package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, handler http.HandlerFunc, path string) (*httptest.ResponseRecorder, statusResponse) {
	t.Helper()

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestLiveEndpoint(t *testing.T) {
	t.Run("no checks is healthy", func(t *testing.T) {
		h := New()
		rec, resp := probe(t, h.LiveEndpoint, "/livez")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("failing check reports unhealthy", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("stuck", time.Second, func(context.Context) error {
			return errors.New("deadlocked")
		})

		rec, resp := probe(t, h.LiveEndpoint, "/livez")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "deadlocked", resp.Checks["stuck"])
	})
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("db", time.Second, func(context.Context) error { return nil })

	t.Run("not ready before SetReady", func(t *testing.T) {
		rec, resp := probe(t, h.ReadyEndpoint, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, resp.Checks, "_readiness")
	})

	t.Run("ready after SetReady", func(t *testing.T) {
		h.SetReady(true)
		rec, resp := probe(t, h.ReadyEndpoint, "/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("drained after SetReady false", func(t *testing.T) {
		h.SetReady(false)
		rec, _ := probe(t, h.ReadyEndpoint, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}
