package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/hashcodec"
)

// SnapshotExtension is the conventional file extension for an exported
// snapshot pack.
const SnapshotExtension = ".infomesh-snapshot"

// snapshotFormatVersion is the current on-disk format version; import
// rejects any file declaring a newer version than this binary supports.
const snapshotFormatVersion = 1

// snapshotCompressionLevel is the zstd level used for both the header
// and document body, matching the reference implementation's
// LEVEL_SNAPSHOT constant (favoring ratio over export speed).
const snapshotCompressionLevel = 12

// SnapshotStats summarizes a single export or import operation.
type SnapshotStats struct {
	TotalDocuments int
	Exported       int // export: equals TotalDocuments; import: newly added
	Skipped        int // import: duplicates skipped by text_hash
	FileSizeBytes  int64
	ElapsedMs      float64
}

type snapshotMetadata struct {
	FormatVersion int     `json:"format_version"`
	CreatedAt     float64 `json:"created_at"`
	DocumentCount int     `json:"document_count"`
}

// ExportSnapshot writes the entire index to a zstd-compressed snapshot
// file at outputPath. File layout, per spec §4.7:
//
//	[4 bytes: header length, big-endian uint32]
//	[header_length bytes: zstd-compressed JSON metadata]
//	[remaining bytes: zstd-compressed msgpack array of documents]
func ExportSnapshot(s *Store, outputPath string, now time.Time) (SnapshotStats, error) {
	start := time.Now()

	docs, err := s.ExportDocuments()
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: export snapshot: %w", err)
	}

	meta := snapshotMetadata{
		FormatVersion: snapshotFormatVersion,
		CreatedAt:     float64(now.UnixNano()) / 1e9,
		DocumentCount: len(docs),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: marshal snapshot metadata: %w", err)
	}
	headerBytes, err := hashcodec.ZstdCompress(metaJSON, snapshotCompressionLevel)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: compress snapshot header: %w", err)
	}

	docBytes, err := hashcodec.MsgpackEncode(docs)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: encode snapshot documents: %w", err)
	}
	docCompressed, err := hashcodec.ZstdCompress(docBytes, snapshotCompressionLevel)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: compress snapshot documents: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: create snapshot dir: %w", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: create snapshot file: %w", err)
	}
	defer f.Close()

	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(headerBytes)))
	if _, err := f.Write(hdrLen[:]); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: write snapshot header length: %w", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: write snapshot header: %w", err)
	}
	if _, err := f.Write(docCompressed); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: write snapshot documents: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: stat snapshot file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"documents": len(docs), "file_size": info.Size(), "path": outputPath,
	}).Info("index: snapshot exported")

	return SnapshotStats{
		TotalDocuments: len(docs),
		Exported:       len(docs),
		FileSizeBytes:  info.Size(),
		ElapsedMs:      elapsedMs(start),
	}, nil
}

// ReadSnapshotMetadata reads only the header of a snapshot file, without
// decoding the (potentially large) document body.
func ReadSnapshotMetadata(snapshotPath string) (map[string]any, error) {
	f, err := os.Open(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("index: open snapshot: %w", err)
	}
	defer f.Close()

	var hdrLen [4]byte
	if _, err := io.ReadFull(f, hdrLen[:]); err != nil {
		return nil, fmt.Errorf("index: read snapshot header length: %w", err)
	}
	headerCompressed := make([]byte, binary.BigEndian.Uint32(hdrLen[:]))
	if _, err := io.ReadFull(f, headerCompressed); err != nil {
		return nil, fmt.Errorf("index: read snapshot header: %w", err)
	}
	headerJSON, err := hashcodec.ZstdDecompress(headerCompressed)
	if err != nil {
		return nil, fmt.Errorf("index: decompress snapshot header: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(headerJSON, &out); err != nil {
		return nil, fmt.Errorf("index: unmarshal snapshot metadata: %w", err)
	}
	return out, nil
}

// ImportSnapshot reads documents from a snapshot file and merges them
// into s, skipping documents already present by text_hash.
func ImportSnapshot(s *Store, snapshotPath string) (SnapshotStats, error) {
	start := time.Now()

	f, err := os.Open(snapshotPath)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: open snapshot: %w", err)
	}
	defer f.Close()

	var hdrLen [4]byte
	if _, err := io.ReadFull(f, hdrLen[:]); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: read snapshot header length: %w", err)
	}
	headerCompressed := make([]byte, binary.BigEndian.Uint32(hdrLen[:]))
	if _, err := io.ReadFull(f, headerCompressed); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: read snapshot header: %w", err)
	}
	docCompressed, err := io.ReadAll(f)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: read snapshot documents: %w", err)
	}

	headerJSON, err := hashcodec.ZstdDecompress(headerCompressed)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: decompress snapshot header: %w", err)
	}
	var meta snapshotMetadata
	if err := json.Unmarshal(headerJSON, &meta); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: unmarshal snapshot metadata: %w", err)
	}
	if meta.FormatVersion > snapshotFormatVersion {
		return SnapshotStats{}, fmt.Errorf("index: snapshot format version %d is newer than supported (%d)",
			meta.FormatVersion, snapshotFormatVersion)
	}

	docBytes, err := hashcodec.ZstdDecompress(docCompressed)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: decompress snapshot documents: %w", err)
	}
	var docs []ExportedDocument
	if err := hashcodec.MsgpackDecode(docBytes, &docs); err != nil {
		return SnapshotStats{}, fmt.Errorf("index: decode snapshot documents: %w", err)
	}

	var imported, skipped int
	for _, doc := range docs {
		docID, err := s.AddDocument(doc.URL, doc.Title, doc.Text, doc.Language, doc.RawHTMLHash, doc.TextHash)
		if err != nil {
			return SnapshotStats{}, fmt.Errorf("index: import document %q: %w", doc.URL, err)
		}
		if docID == 0 {
			skipped++
			continue
		}
		imported++
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("index: stat snapshot file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"imported": imported, "skipped": skipped, "total": len(docs), "path": snapshotPath,
	}).Info("index: snapshot imported")

	return SnapshotStats{
		TotalDocuments: len(docs),
		Exported:       imported,
		Skipped:        skipped,
		FileSizeBytes:  info.Size(),
		ElapsedMs:      elapsedMs(start),
	}, nil
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
