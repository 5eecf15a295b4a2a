// Package testutil holds fakes shared by package tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Transport is an http.RoundTripper that routes requests to in-process
// handlers by host and path, so tests can use real https:// URLs.
type Transport struct {
	mu     sync.Mutex
	routes map[string]http.Handler
	calls  map[string]int
}

func NewTransport() *Transport {
	return &Transport{
		routes: map[string]http.Handler{},
		calls:  map[string]int{},
	}
}

// Handle registers h for requests to host+path. host may include a port.
func (t *Transport) Handle(host, path string, h http.HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[host+path] = h
}

// Calls reports how many requests were routed to host+path.
func (t *Transport) Calls(host, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[host+path]
}

func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.URL.Host + req.URL.Path

	t.mu.Lock()
	h, ok := t.routes[key]
	if ok {
		t.calls[key]++
	}
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no route for %s %s", req.Method, req.URL)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.Clone(req.Context()))

	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// JSON returns a handler that writes a JSON body with the given status.
func JSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}
}
