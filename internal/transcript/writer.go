// Package transcript writes on-disk JSON snapshots of session transcripts.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/metrics"
)

const (
	snapshotVersion = "1.0"
	snapshotFile    = "transcripts.json"
	snapshotTmp     = ".transcripts.json.tmp"
)

// Snapshot is the on-disk transcript document. The whole canonical
// transcript is rewritten on every update so the file is always complete
// and display clients can recover from any point.
type Snapshot struct {
	Version       string              `json:"version"`
	SessionID     string              `json:"sessionId"`
	Segments      []models.Transcript `json:"segments"`
	LastUpdated   time.Time           `json:"lastUpdated"`
	TotalSegments int                 `json:"totalSegments"`
}

// Writer persists transcript snapshots under a base directory, one
// subdirectory per session.
type Writer struct {
	dir     string
	metrics *metrics.Metrics
}

// NewWriter returns a snapshot writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir:     dir,
		metrics: metrics.DefaultMetrics,
	}
}

// Write replaces <dir>/<sessionID>/transcripts.json with the given
// transcript. The file is written to a temp path in the same directory and
// renamed into place, so readers never observe a partial document.
func (w *Writer) Write(sessionID string, segments []models.Transcript) error {
	start := time.Now()
	err := w.write(sessionID, segments)
	w.metrics.RecordPersist("snapshot", err, time.Since(start).Seconds())
	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", sessionID).
			Int("segments", len(segments)).
			Msg("Failed to write transcript snapshot")
		return err
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int("segments", len(segments)).
		Msg("Wrote transcript snapshot")
	return nil
}

func (w *Writer) write(sessionID string, segments []models.Transcript) error {
	sessionDir := filepath.Join(w.dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	if segments == nil {
		segments = []models.Transcript{}
	}
	snap := Snapshot{
		Version:       snapshotVersion,
		SessionID:     sessionID,
		Segments:      segments,
		LastUpdated:   time.Now().UTC(),
		TotalSegments: len(segments),
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmpPath := filepath.Join(sessionDir, snapshotTmp)
	finalPath := filepath.Join(sessionDir, snapshotFile)

	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Read loads the current snapshot for a session. A missing file is not an
// error; it returns an empty snapshot.
func (w *Writer) Read(sessionID string) (*Snapshot, error) {
	path := filepath.Join(w.dir, sessionID, snapshotFile)
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{
				Version:   snapshotVersion,
				SessionID: sessionID,
				Segments:  []models.Transcript{},
			}, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &snap, nil
}
