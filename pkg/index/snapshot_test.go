package index

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/infomesh/node/pkg/hashcodec"
)

func TestExportThenImportSnapshotRoundTrips(t *testing.T) {
	src := newTestStore(t)
	src.AddDocument("https://example.com/a", "A", "alpha document text content here", "en", "rawa", "hasha")
	src.AddDocument("https://example.com/b", "B", "beta document text content here", "en", "rawb", "hashb")

	dir := t.TempDir()
	path := filepath.Join(dir, "test"+SnapshotExtension)

	exportStats, err := ExportSnapshot(src, path, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if exportStats.TotalDocuments != 2 || exportStats.Exported != 2 {
		t.Fatalf("unexpected export stats: %+v", exportStats)
	}

	dst := newTestStore(t)
	importStats, err := ImportSnapshot(dst, path)
	if err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	if importStats.Exported != 2 || importStats.Skipped != 0 {
		t.Fatalf("unexpected import stats: %+v", importStats)
	}

	doc, err := dst.GetDocumentByURL("https://example.com/a")
	if err != nil {
		t.Fatalf("GetDocumentByURL: %v", err)
	}
	if doc == nil || doc.Title != "A" {
		t.Fatalf("expected imported document, got %+v", doc)
	}
}

func TestImportSnapshotSkipsDuplicateTextHash(t *testing.T) {
	src := newTestStore(t)
	src.AddDocument("https://example.com/a", "A", "duplicate-prone document text content", "en", "rawa", "hash-shared")

	dir := t.TempDir()
	path := filepath.Join(dir, "test"+SnapshotExtension)
	if _, err := ExportSnapshot(src, path, time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	dst := newTestStore(t)
	dst.AddDocument("https://example.com/already-there", "Existing", "unrelated text", "en", "rawc", "hash-shared")

	stats, err := ImportSnapshot(dst, path)
	if err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	if stats.Skipped != 1 || stats.Exported != 0 {
		t.Fatalf("expected duplicate to be skipped, got %+v", stats)
	}
}

func TestReadSnapshotMetadata(t *testing.T) {
	src := newTestStore(t)
	src.AddDocument("https://example.com/a", "A", "some document text content here", "en", "rawa", "hasha")

	dir := t.TempDir()
	path := filepath.Join(dir, "test"+SnapshotExtension)
	if _, err := ExportSnapshot(src, path, time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	meta, err := ReadSnapshotMetadata(path)
	if err != nil {
		t.Fatalf("ReadSnapshotMetadata: %v", err)
	}
	count, ok := meta["document_count"].(float64)
	if !ok || int(count) != 1 {
		t.Fatalf("expected document_count 1, got %+v", meta)
	}
}

func TestImportSnapshotRejectsNewerFormatVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test"+SnapshotExtension)

	meta := snapshotMetadata{FormatVersion: snapshotFormatVersion + 1, CreatedAt: 0, DocumentCount: 0}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	headerBytes, err := hashcodec.ZstdCompress(metaJSON, snapshotCompressionLevel)
	if err != nil {
		t.Fatalf("compress header: %v", err)
	}
	docBytes, err := hashcodec.MsgpackEncode([]ExportedDocument{})
	if err != nil {
		t.Fatalf("encode documents: %v", err)
	}
	docCompressed, err := hashcodec.ZstdCompress(docBytes, snapshotCompressionLevel)
	if err != nil {
		t.Fatalf("compress documents: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(headerBytes)))
	f.Write(hdrLen[:])
	f.Write(headerBytes)
	f.Write(docCompressed)
	f.Close()

	dst := newTestStore(t)
	if _, err := ImportSnapshot(dst, path); err == nil {
		t.Fatalf("expected error importing a newer-format snapshot")
	}
}
