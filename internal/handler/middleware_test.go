package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koopa0/url-shortener/pkg/logger"
)

func TestRecovery(t *testing.T) {
	h := &Handler{logger: logger.Discard()}

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	h.recovery(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"code":"INTERNAL_ERROR","message":"internal server error"}`, rec.Body.String())
}

func TestLogRequest_CapturesStatus(t *testing.T) {
	h := &Handler{logger: logger.Discard()}

	var captured int
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
		captured = w.(*responseWriter).statusCode
	})

	rec := httptest.NewRecorder()
	h.logRequest(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, http.StatusTeapot, captured)
}

func TestParseExpiry(t *testing.T) {
	got, err := parseExpiry(nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	blank := "  "
	got, err = parseExpiry(&blank)
	assert.NoError(t, err)
	assert.Nil(t, got)

	bad := "2025/01/01"
	_, err = parseExpiry(&bad)
	assert.Error(t, err)
}
