package hashcodec

import (
	"bytes"
	"testing"
)

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHashString("hello world")
	b := ContentHashString("hello world")
	if a != b {
		t.Fatalf("expected deterministic hash, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestContentCIDDeterministic(t *testing.T) {
	digest := ContentHashString("hello world")
	a, err := ContentCID(digest)
	if err != nil {
		t.Fatalf("ContentCID: %v", err)
	}
	b, err := ContentCID(digest)
	if err != nil {
		t.Fatalf("ContentCID: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic cid, got %q and %q", a, b)
	}
	if ContentHashString("something else") == digest {
		t.Fatalf("test fixture collision")
	}
}

func TestContentCIDRejectsWrongLength(t *testing.T) {
	if _, err := ContentCID("not-a-valid-digest"); err == nil {
		t.Fatalf("expected error for malformed digest")
	}
	if _, err := ContentCID("aabb"); err == nil {
		t.Fatalf("expected error for short digest")
	}
}

func TestZstdRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("infomesh crawl text "), 200)
	compressed, err := ZstdCompress(original, 3)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Fatalf("expected compression to shrink repetitive text")
	}
	decompressed, err := ZstdDecompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	type payload struct {
		Type int            `msgpack:"type"`
		Data map[string]any `msgpack:"payload"`
	}
	body, err := MsgpackEncode(payload{Type: 10, Data: map[string]any{"query": "cats"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var decoded payload
	if err := MsgpackDecode(got, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != 10 || decoded.Data["query"] != "cats" {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	oversized := make([]byte, MaxWireMessageBytes+1)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, oversized); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}
