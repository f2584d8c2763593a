package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsAllowedRespectsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker, err := NewChecker("infomesh-bot", time.Hour)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	allowed, err := checker.IsAllowed(context.Background(), srv.URL+"/private/secret")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if allowed {
		t.Fatalf("expected /private path to be disallowed")
	}

	allowed, err = checker.IsAllowed(context.Background(), srv.URL+"/public/page")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if !allowed {
		t.Fatalf("expected /public path to be allowed")
	}
}

func TestIsAllowedDefaultsToAllowWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	checker, err := NewChecker("infomesh-bot", time.Hour)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	allowed, err := checker.IsAllowed(context.Background(), srv.URL+"/anything")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if !allowed {
		t.Fatalf("expected missing robots.txt to allow everything")
	}
}

func TestIsAllowedDeniesOnFetchError(t *testing.T) {
	checker, err := NewChecker("infomesh-bot", time.Hour)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	// Port 0 never accepts connections: request must error.
	allowed, err := checker.IsAllowed(context.Background(), "http://127.0.0.1:0/page")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if allowed {
		t.Fatalf("expected fetch error to deny by default")
	}
}

func TestCrawlDelayReportsDirective(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nCrawl-delay: 5\n"))
	}))
	defer srv.Close()

	checker, err := NewChecker("infomesh-bot", time.Hour)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	if _, err := checker.IsAllowed(context.Background(), srv.URL+"/"); err != nil {
		t.Fatalf("is allowed: %v", err)
	}

	host := srv.Listener.Addr().String()
	delay, ok := checker.CrawlDelay(host)
	if !ok {
		t.Fatalf("expected a crawl delay to be recorded")
	}
	if delay != 5*time.Second {
		t.Fatalf("expected 5s crawl delay, got %v", delay)
	}
}

func TestCacheRespectsTTL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	defer srv.Close()

	checker, err := NewChecker("infomesh-bot", time.Millisecond)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	if _, err := checker.IsAllowed(context.Background(), srv.URL+"/a"); err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := checker.IsAllowed(context.Background(), srv.URL+"/b"); err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if hits < 2 {
		t.Fatalf("expected cache to expire and re-fetch, got %d hits", hits)
	}
}
