// Package hashcodec provides the content-hashing and wire-compression
// primitives shared by every InfoMesh subsystem that touches disk or the
// network: SHA-256 content identity, zstd compression, and msgpack framing.
package hashcodec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	mh "github.com/multiformats/go-multihash"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxWireMessageBytes is the hard cap on a framed wire message (§5, §6).
const MaxWireMessageBytes = 10 << 20

// ContentHash returns the lowercase hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHashString is a convenience wrapper over ContentHash for text input.
func ContentHashString(s string) string {
	return ContentHash([]byte(s))
}

// ContentCID wraps a hex-encoded SHA-256 digest (as produced by
// ContentHash) in a CIDv1 with the raw codec, giving attestations and
// replica pointers a self-describing content identifier instead of a
// bare hex string. hexDigest must be a 32-byte SHA-256 digest; any other
// length is an error.
func ContentCID(hexDigest string) (string, error) {
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("hashcodec: decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("hashcodec: digest is %d bytes, want %d", len(digest), sha256.Size)
	}
	digestMH, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("hashcodec: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digestMH).String(), nil
}

var decoderPool = sync.Pool{New: func() any {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return dec
}}

// ZstdCompress compresses data at the given level (0 = library default).
func ZstdCompress(data []byte, level int) ([]byte, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// ZstdDecompress decompresses a zstd frame produced by ZstdCompress.
func ZstdDecompress(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// MsgpackEncode encodes v with use-bin-type semantics matching the
// reference implementation's msgpack.packb(use_bin_type=True).
func MsgpackEncode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// MsgpackDecode decodes msgpack bytes into v.
func MsgpackDecode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// WriteFrame writes a [4-byte big-endian length][body] frame to w, per §6.
// body must already be msgpack-encoded and ≤ MaxWireMessageBytes.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxWireMessageBytes {
		return fmt.Errorf("hashcodec: frame body %d bytes exceeds cap %d", len(body), MaxWireMessageBytes)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from r, rejecting oversized
// messages before allocating a buffer for the body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxWireMessageBytes {
		return nil, fmt.Errorf("hashcodec: frame declares %d bytes, exceeds cap %d", n, MaxWireMessageBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
