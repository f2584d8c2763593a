package sybil

import (
	"context"

	"golang.org/x/time/rate"
)

const (
	bitsPerByte = 8
	megabit     = 1_000_000
)

// BandwidthStats tracks cumulative throttle usage, per spec §4.14's
// bandwidth-throttle accounting.
type BandwidthStats struct {
	UploadBytes   int64
	DownloadBytes int64
	UploadWaits   int64
	DownloadWaits int64
}

// BandwidthThrottle enforces per-direction upload/download throughput
// caps with a token-bucket limiter, burst-capped at one second's worth
// of tokens so a quiet connection can't bank an unbounded credit. A
// limit of 0 disables throttling for that direction.
type BandwidthThrottle struct {
	upload   *rate.Limiter
	download *rate.Limiter
	stats    BandwidthStats
}

func mbpsToLimiter(mbps float64) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSec := mbps * megabit / bitsPerByte
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// NewBandwidthThrottle builds a throttle from Mbps limits, matching
// network.upload_limit_mbps/download_limit_mbps.
func NewBandwidthThrottle(uploadMbps, downloadMbps float64) *BandwidthThrottle {
	return &BandwidthThrottle{
		upload:   mbpsToLimiter(uploadMbps),
		download: mbpsToLimiter(downloadMbps),
	}
}

// AcquireUpload blocks until nbytes of upload quota are available, or ctx
// is cancelled. A disabled throttle (limit 0) never blocks.
func (t *BandwidthThrottle) AcquireUpload(ctx context.Context, nbytes int) error {
	t.stats.UploadBytes += int64(nbytes)
	if t.upload == nil || nbytes <= 0 {
		return nil
	}
	if t.upload.Tokens() < float64(nbytes) {
		t.stats.UploadWaits++
	}
	return t.upload.WaitN(ctx, nbytes)
}

// AcquireDownload blocks until nbytes of download quota are available,
// or ctx is cancelled. A disabled throttle (limit 0) never blocks.
func (t *BandwidthThrottle) AcquireDownload(ctx context.Context, nbytes int) error {
	t.stats.DownloadBytes += int64(nbytes)
	if t.download == nil || nbytes <= 0 {
		return nil
	}
	if t.download.Tokens() < float64(nbytes) {
		t.stats.DownloadWaits++
	}
	return t.download.WaitN(ctx, nbytes)
}

// Stats returns a snapshot of cumulative usage counters.
func (t *BandwidthThrottle) Stats() BandwidthStats {
	return t.stats
}
