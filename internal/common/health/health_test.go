package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	ok := CheckerFunc(func(ctx context.Context) error { return nil })
	redisDown := CheckerFunc(func(ctx context.Context) error { return errors.New("redis down") })
	dbDown := CheckerFunc(func(ctx context.Context) error { return errors.New("db down") })

	assert.NoError(t, NewMultiChecker(ok).Check(context.Background()))

	mc := NewMultiChecker(ok, redisDown)
	mc.Add(dbDown)
	err := mc.Check(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Contains(t, err.Error(), "db down")
}

func TestHttpHandler(t *testing.T) {
	mux := http.NewServeMux()
	SetupHttpMux(mux, CheckerFunc(func(ctx context.Context) error { return nil }))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	failing := NewHttpHandler(CheckerFunc(func(ctx context.Context) error { return errors.New("unavailable") }))
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", rec.Body.String())
}
