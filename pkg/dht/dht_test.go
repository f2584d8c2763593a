package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	libp2prouting "github.com/libp2p/go-libp2p/core/routing"

	"github.com/infomesh/node/pkg/distindex"
	"github.com/infomesh/node/pkg/hashcodec"
)

type fakeRouting struct {
	mu     sync.Mutex
	values map[string][]byte
	getErr error
}

func newFakeRouting() *fakeRouting {
	return &fakeRouting{values: map[string][]byte{}}
}

func (f *fakeRouting) PutValue(ctx context.Context, key string, value []byte, opts ...libp2prouting.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeRouting) GetValue(ctx context.Context, key string, opts ...libp2prouting.Option) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func TestPublishAndQueryKeywordRoundTrips(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")

	pointers := []distindex.PeerPointer{{PeerID: "peer-1", DocID: 7, URL: "https://example.com", Score: 1.0, Title: "Example"}}
	if err := n.PublishKeyword(context.Background(), "golang", pointers); err != nil {
		t.Fatalf("PublishKeyword: %v", err)
	}

	got, err := n.QueryKeyword(context.Background(), "golang")
	if err != nil {
		t.Fatalf("QueryKeyword: %v", err)
	}
	if len(got) != 1 || got[0].URL != "https://example.com" {
		t.Fatalf("unexpected pointers: %+v", got)
	}

	stats := n.Stats()
	if stats.KeysPublished != 1 || stats.PutsPerformed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQueryKeywordMissingReturnsEmpty(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")

	got, err := n.QueryKeyword(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("QueryKeyword: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestPublishKeywordRespectsRateLimit(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")

	for i := 0; i < MaxPublishesPerKeywordPerHour; i++ {
		if err := n.PublishKeyword(context.Background(), "golang", nil); err != nil {
			t.Fatalf("PublishKeyword %d: %v", i, err)
		}
	}
	before := n.Stats().KeysPublished

	if err := n.PublishKeyword(context.Background(), "golang", nil); err != nil {
		t.Fatalf("PublishKeyword over limit: %v", err)
	}
	after := n.Stats().KeysPublished
	if after != before {
		t.Fatalf("expected rate-limited publish to be a no-op, before=%d after=%d", before, after)
	}
}

func TestAcquireCrawlLockThenBlocksSecondAcquirer(t *testing.T) {
	r := newFakeRouting()
	first := New(r, "peer-1")
	second := New(r, "peer-2")

	ok, err := first.AcquireCrawlLock(context.Background(), "https://example.com/a")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}

	ok, err = second.AcquireCrawlLock(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("AcquireCrawlLock: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquirer to be blocked by held lock")
	}
}

func TestAcquireCrawlLockAfterTTLExpirySucceeds(t *testing.T) {
	r := newFakeRouting()
	first := New(r, "peer-1")
	second := New(r, "peer-2")

	ok, err := first.AcquireCrawlLockTTL(context.Background(), "https://example.com/a", 1*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err = second.AcquireCrawlLockTTL(context.Background(), "https://example.com/a", 1*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireCrawlLockTTL: %v", err)
	}
	if !ok {
		t.Fatalf("expected second acquirer to succeed after TTL expiry")
	}
}

func TestReleaseCrawlLockAllowsImmediateReacquire(t *testing.T) {
	r := newFakeRouting()
	first := New(r, "peer-1")
	second := New(r, "peer-2")

	if _, err := first.AcquireCrawlLock(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("AcquireCrawlLock: %v", err)
	}
	if err := first.ReleaseCrawlLock(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("ReleaseCrawlLock: %v", err)
	}

	ok, err := second.AcquireCrawlLock(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("AcquireCrawlLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected reacquire to succeed after release")
	}
}

func TestPublishAndGetAttestationRoundTrips(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")

	if err := n.PublishAttestation(context.Background(), "https://example.com/a", "rawhash", "texthash", nil); err != nil {
		t.Fatalf("PublishAttestation: %v", err)
	}

	att, err := n.GetAttestation(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if att == nil || att.RawHash != "rawhash" || att.TextHash != "texthash" || att.PeerID != "peer-1" {
		t.Fatalf("unexpected attestation: %+v", att)
	}
}

func TestPublishAttestationSetsTextCID(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")
	textHash := hashcodec.ContentHashString("hello world")

	if err := n.PublishAttestation(context.Background(), "https://example.com/a", "rawhash", textHash, nil); err != nil {
		t.Fatalf("PublishAttestation: %v", err)
	}
	att, err := n.GetAttestation(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	wantCID, err := hashcodec.ContentCID(textHash)
	if err != nil {
		t.Fatalf("ContentCID: %v", err)
	}
	if att == nil || att.TextCID != wantCID {
		t.Fatalf("expected text_cid %q, got %+v", wantCID, att)
	}
}

func TestGetAttestationMissingReturnsNil(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")

	att, err := n.GetAttestation(context.Background(), "https://example.com/missing")
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if att != nil {
		t.Fatalf("expected nil attestation, got %+v", att)
	}
}

func TestPutAndGetRawValue(t *testing.T) {
	r := newFakeRouting()
	n := New(r, "peer-1")

	if err := n.Put(context.Background(), "/infomesh/custom/1", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := n.Get(context.Background(), "/infomesh/custom/1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}
