package sybil

import (
	"context"
	"testing"
	"time"
)

func TestNewBandwidthThrottleDisabledByDefault(t *testing.T) {
	th := NewBandwidthThrottle(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := th.AcquireUpload(ctx, 10<<20); err != nil {
		t.Fatalf("expected unlimited upload to never block, got %v", err)
	}
	if err := th.AcquireDownload(ctx, 10<<20); err != nil {
		t.Fatalf("expected unlimited download to never block, got %v", err)
	}
}

func TestAcquireUploadTracksStats(t *testing.T) {
	th := NewBandwidthThrottle(0, 0)
	ctx := context.Background()
	if err := th.AcquireUpload(ctx, 100); err != nil {
		t.Fatalf("AcquireUpload: %v", err)
	}
	if err := th.AcquireDownload(ctx, 50); err != nil {
		t.Fatalf("AcquireDownload: %v", err)
	}
	stats := th.Stats()
	if stats.UploadBytes != 100 {
		t.Fatalf("expected 100 upload bytes tracked, got %d", stats.UploadBytes)
	}
	if stats.DownloadBytes != 50 {
		t.Fatalf("expected 50 download bytes tracked, got %d", stats.DownloadBytes)
	}
}

func TestAcquireUploadBlocksUnderLimit(t *testing.T) {
	// 1 Mbps == 125000 bytes/sec, burst-capped at the same size.
	th := NewBandwidthThrottle(1, 0)

	ctx := context.Background()
	if err := th.AcquireUpload(ctx, 125000); err != nil {
		t.Fatalf("first acquire within burst should not block: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := th.AcquireUpload(shortCtx, 125000); err == nil {
		t.Fatalf("expected second acquire to exceed a 20ms deadline once burst is spent")
	}

	stats := th.Stats()
	if stats.UploadWaits == 0 {
		t.Fatalf("expected at least one recorded wait once the burst was exhausted")
	}
}

func TestAcquireDownloadIndependentOfUpload(t *testing.T) {
	th := NewBandwidthThrottle(1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := th.AcquireDownload(ctx, 10<<20); err != nil {
		t.Fatalf("download should be unthrottled when downloadMbps is 0, got %v", err)
	}
}
