package webapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/Mahdi-Habibi/pocket-crypto/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	tb "gopkg.in/tucnak/telebot.v2"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSink struct {
	updates []tb.Update
}

func (f *fakeSink) ProcessUpdate(update tb.Update) {
	f.updates = append(f.updates, update)
}

type fakeTicker struct {
	calls int
	stats scheduler.TickStats
	err   error
}

func (f *fakeTicker) Tick(context.Context) (scheduler.TickStats, error) {
	f.calls++
	return f.stats, f.err
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(nil, &fakeTicker{}, "/api/webhook", "", logger.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_WebhookFeedsSink(t *testing.T) {
	sink := &fakeSink{}
	srv := NewServer(sink, &fakeTicker{}, "/api/webhook", "", logger.Nop())

	body := `{"update_id":7,"message":{"message_id":1,"text":"BTC","chat":{"id":42,"type":"private"}}}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.updates, 1)
	require.Equal(t, 7, sink.updates[0].ID)
}

func TestServer_WebhookRejectsGarbage(t *testing.T) {
	sink := &fakeSink{}
	srv := NewServer(sink, &fakeTicker{}, "/api/webhook", "", logger.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader("{not json")))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, sink.updates)
}

func TestServer_WebhookRouteAbsentWithoutSink(t *testing.T) {
	srv := NewServer(nil, &fakeTicker{}, "/api/webhook", "", logger.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader("{}")))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TickRunsOnePass(t *testing.T) {
	ticker := &fakeTicker{stats: scheduler.TickStats{Due: 3, Fired: 2, Failed: 1}}
	srv := NewServer(nil, ticker, "/api/webhook", "", logger.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, ticker.calls)
	require.JSONEq(t, `{"due":3,"fired":2,"failed":1,"skipped":0,"contended":0}`, rec.Body.String())
}

func TestServer_TickStorageFailure(t *testing.T) {
	ticker := &fakeTicker{err: errors.New("db locked")}
	srv := NewServer(nil, ticker, "/api/webhook", "", logger.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_TickSecret(t *testing.T) {
	ticker := &fakeTicker{}
	srv := NewServer(nil, ticker, "/api/webhook", "s3cret", logger.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, ticker.calls)

	req := httptest.NewRequest(http.MethodPost, "/api/tick", nil)
	req.Header.Set("X-Tick-Secret", "s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, ticker.calls)
}
