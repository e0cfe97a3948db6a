package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rpattn/catalogmerge/internal/testsupport"
)

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/batches", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/batches", fields["path"])
	assert.EqualValues(t, http.StatusInternalServerError, fields["status"])
}

func TestDataLoaderMiddlewareAttachesLoader(t *testing.T) {
	store := testsupport.MustOpenStore(t)

	var attached bool
	handler := DataLoaderMiddleware(store.Records())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attached = RecordLoaderFromContext(r.Context()) != nil
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, attached)
	assert.Nil(t, RecordLoaderFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
