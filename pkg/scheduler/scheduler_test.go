package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestAddURLAndNextURL(t *testing.T) {
	s := New(Options{PolitenessDelay: time.Millisecond})
	if !s.AddURL("https://example.com/a", 0) {
		t.Fatalf("expected url to be accepted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, depth, err := s.NextURL(ctx)
	if err != nil {
		t.Fatalf("next url: %v", err)
	}
	if u != "https://example.com/a" || depth != 0 {
		t.Fatalf("got %q depth %d", u, depth)
	}
}

func TestAddURLRejectsBeyondMaxDepth(t *testing.T) {
	s := New(Options{MaxDepth: 2})
	if s.AddURL("https://example.com/deep", 3) {
		t.Fatalf("expected url beyond max depth to be rejected")
	}
}

func TestAddURLRejectsWhenDomainPendingFull(t *testing.T) {
	s := New(Options{PendingPerDomain: 1})
	if !s.AddURL("https://example.com/a", 0) {
		t.Fatalf("expected first url to be accepted")
	}
	if s.AddURL("https://example.com/b", 0) {
		t.Fatalf("expected second url on same domain to be rejected while first is pending")
	}
}

func TestMarkDoneFreesDomainSlot(t *testing.T) {
	s := New(Options{PendingPerDomain: 1, PolitenessDelay: time.Millisecond})
	s.AddURL("https://example.com/a", 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, _, err := s.NextURL(ctx)
	if err != nil {
		t.Fatalf("next url: %v", err)
	}
	s.MarkDone(u)
	if !s.AddURL("https://example.com/b", 0) {
		t.Fatalf("expected domain slot to be free after MarkDone")
	}
}

func TestNextURLEnforcesPolitenessDelay(t *testing.T) {
	s := New(Options{PolitenessDelay: 50 * time.Millisecond})
	s.AddURL("https://example.com/a", 0)
	s.AddURL("https://example.com/b", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if _, _, err := s.NextURL(ctx); err != nil {
		t.Fatalf("next url 1: %v", err)
	}
	s.MarkDone("https://example.com/a")
	if _, _, err := s.NextURL(ctx); err != nil {
		t.Fatalf("next url 2: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected politeness delay to space requests, elapsed %v", elapsed)
	}
}

func TestSetCrawlDelayCapsAt60Seconds(t *testing.T) {
	s := New(Options{})
	s.SetCrawlDelay("example.com", 120*time.Second)
	s.mu.Lock()
	delay := s.domains["example.com"].crawlDelay
	s.mu.Unlock()
	if delay != 60*time.Second {
		t.Fatalf("expected crawl delay to be capped at 60s, got %v", delay)
	}
}

func TestNextURLRespectsContextCancellation(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.NextURL(ctx); err == nil {
		t.Fatalf("expected context cancellation to be returned as error")
	}
}

func TestPendingCountReflectsQueueDepth(t *testing.T) {
	s := New(Options{})
	s.AddURL("https://a.example.com/", 0)
	s.AddURL("https://b.example.com/", 0)
	if s.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", s.PendingCount())
	}
}
