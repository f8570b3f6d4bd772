package recovery

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func TestMiddlewarePanic(t *testing.T) {
	var logs bytes.Buffer
	r := mux.NewRouter()
	r.Use(New(zerolog.New(&logs)))
	r.HandleFunc("/api/actions/{kind}", func(w http.ResponseWriter, r *http.Request) {
		panic("scoring exploded")
	}).Methods(http.MethodPost)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/actions/product_view", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal error") {
		t.Fatalf("expected error body, got %q", rr.Body.String())
	}
	if !strings.Contains(logs.String(), `"route":"/api/actions/{kind}"`) {
		t.Fatalf("expected route template in log, got %q", logs.String())
	}
}

func TestMiddlewareReraisesAbort(t *testing.T) {
	h := New(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/events", nil))
}

func TestMiddlewarePassThru(t *testing.T) {
	h := New(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if routeOf(httptest.NewRequest(http.MethodGet, "/api/stats", nil)) != "unmatched" {
		t.Fatalf("requests outside a router have no route")
	}
}
