// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPVersionSource_GetVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/alice/membership/version":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":12}`))
		case "/users/ghost/membership/version":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	src := NewHTTPVersionSource(srv.URL, time.Second)

	v, err := src.GetVersion(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v != 12 {
		t.Errorf("Expected version 12, got %d", v)
	}

	// Unknown user means no membership change ever committed.
	v, err = src.GetVersion(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetVersion unknown user: %v", err)
	}
	if v != 0 {
		t.Errorf("Expected version 0 for unknown user, got %d", v)
	}

	if _, err = src.GetVersion(context.Background(), "broken"); err == nil {
		t.Error("Expected error on upstream failure")
	}
}

func TestHTTPVersionSource_BacksGateCacheMiss(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":4}`))
	}))
	defer srv.Close()

	g := New(NewHTTPVersionSource(srv.URL, time.Second))

	latest, fresh, err := g.CheckFresh(context.Background(), "bob", 4)
	if err != nil {
		t.Fatalf("CheckFresh: %v", err)
	}
	if !fresh || latest != 4 {
		t.Errorf("Expected fresh at v4, got latest=%d fresh=%v", latest, fresh)
	}

	// The miss seeded the cache; the next check stays local.
	if _, _, err := g.CheckFresh(context.Background(), "bob", 4); err != nil {
		t.Fatalf("CheckFresh: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected one upstream call, got %d", calls)
	}
}
