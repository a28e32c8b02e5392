package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubScoring struct {
	scoreCalls  int
	healthCalls int
}

func (s *stubScoring) ServeScore(w http.ResponseWriter, _ *http.Request) {
	s.scoreCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubScoring) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	s.healthCalls++
	w.WriteHeader(http.StatusOK)
}

func TestHandlerRoutes(t *testing.T) {
	stub := &stubScoring{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := NewHandler(stub, metricsHandler)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPost, "/score", http.StatusOK},
		{http.MethodGet, "/score", http.StatusMethodNotAllowed},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, tc.status)
		}
	}

	if stub.scoreCalls != 1 {
		t.Fatalf("score calls = %d", stub.scoreCalls)
	}
	if stub.healthCalls != 2 {
		t.Fatalf("health calls = %d", stub.healthCalls)
	}
}

func TestHandlerWithoutMetrics(t *testing.T) {
	handler := NewHandler(&stubScoring{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandlerNilOrchestrator(t *testing.T) {
	handler := NewHandler(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
