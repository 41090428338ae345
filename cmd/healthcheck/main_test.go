package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthy(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if !healthy(context.Background(), ok.Client(), ok.URL) {
		t.Error("200 reported unhealthy")
	}
	if healthy(context.Background(), down.Client(), down.URL) {
		t.Error("503 reported healthy")
	}
	if healthy(context.Background(), http.DefaultClient, "http://127.0.0.1:1/healthz") {
		t.Error("unreachable server reported healthy")
	}
}
