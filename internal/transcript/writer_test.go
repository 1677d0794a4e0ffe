package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transcript-assembly-service/internal/models"
)

func sampleSegments() []models.Transcript {
	return []models.Transcript{
		{
			ID:             "seg_1",
			SequenceID:     1,
			Text:           "hello",
			ChunkStartTime: 0,
			DisplayTime:    "[00:00]",
			ReleasedAt:     time.Now().UTC(),
		},
		{
			ID:             "seg_2",
			SequenceID:     2,
			Text:           "world",
			ChunkStartTime: 3,
			DisplayTime:    "[00:03]",
			ReleasedAt:     time.Now().UTC(),
		},
	}
}

func TestWriter_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Write("sess-1", sampleSegments()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	snap, err := w.Read("sess-1")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if snap.Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", snap.Version)
	}
	if snap.SessionID != "sess-1" {
		t.Errorf("expected session sess-1, got %s", snap.SessionID)
	}
	if snap.TotalSegments != 2 || len(snap.Segments) != 2 {
		t.Errorf("expected 2 segments, got total=%d len=%d", snap.TotalSegments, len(snap.Segments))
	}
	if snap.Segments[0].ID != "seg_1" || snap.Segments[1].ID != "seg_2" {
		t.Errorf("unexpected segment ids: %s, %s", snap.Segments[0].ID, snap.Segments[1].ID)
	}
}

func TestWriter_OverwriteReplacesDocument(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Write("sess-1", sampleSegments()[:1]); err != nil {
		t.Fatalf("first Write returned error: %v", err)
	}
	if err := w.Write("sess-1", sampleSegments()); err != nil {
		t.Fatalf("second Write returned error: %v", err)
	}

	snap, err := w.Read("sess-1")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if snap.TotalSegments != 2 {
		t.Errorf("expected overwrite to contain 2 segments, got %d", snap.TotalSegments)
	}
}

func TestWriter_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Write("sess-1", sampleSegments()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "sess-1"))
	if err != nil {
		t.Fatalf("reading session dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "transcripts.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only transcripts.json, got %v", names)
	}
}

func TestWriter_EmptyTranscriptWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Write("sess-1", nil); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	payload, err := os.ReadFile(filepath.Join(dir, "sess-1", "transcripts.json"))
	if err != nil {
		t.Fatalf("reading snapshot file: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if string(doc["segments"]) != "[]" {
		t.Errorf("expected segments to be an empty array, got %s", doc["segments"])
	}
}

func TestWriter_ReadMissingSnapshot(t *testing.T) {
	w := NewWriter(t.TempDir())

	snap, err := w.Read("no-such-session")
	if err != nil {
		t.Fatalf("Read returned error for missing snapshot: %v", err)
	}
	if len(snap.Segments) != 0 {
		t.Errorf("expected empty snapshot, got %d segments", len(snap.Segments))
	}
}
