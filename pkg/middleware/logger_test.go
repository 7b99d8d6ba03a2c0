package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	h := chimw.RequestID(Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"e-1"}`))
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/queue", nil))

	entry := logLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/api/queue", entry["path"])
	assert.Equal(t, float64(http.StatusCreated), entry["status"])
	assert.Equal(t, float64(len(`{"id":"e-1"}`)), entry["bytes"])
	assert.NotEmpty(t, entry["request_id"])
	assert.Equal(t, "request completed", entry["message"])
}

func TestLoggerWithErrorStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusNotFound, "info"},
		{http.StatusConflict, "info"},
		{http.StatusBadGateway, "error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			h := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/transfer", nil))

			entry := logLine(t, &buf)
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, tt.level, entry["level"])
			assert.NotContains(t, entry, "request_id")
		})
	}
}

func TestLoggerDefaultsStatusToOK(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, float64(http.StatusOK), logLine(t, &buf)["status"])
}
