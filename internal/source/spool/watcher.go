// Package spool feeds recorded audio chunks from a spool directory into
// the transcription pool. The external recorder finishes each chunk by
// renaming it into the directory as chunk_<index>_<startMs>_<durationMs>.wav.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"transcript-assembly-service/internal/observability/logging"
	"transcript-assembly-service/internal/observability/metrics"
)

// Enqueuer accepts chunk payloads for transcription. Implemented by the
// transcription pool.
type Enqueuer interface {
	Enqueue(data []byte, startTime, duration float64, source string) (uint64, bool)
}

// chunkFile is a parsed spool filename.
type chunkFile struct {
	name     string
	index    int
	startSec float64
	durSec   float64
}

// Watcher tails a spool directory and enqueues finished chunks in index
// order. Files already present at startup are processed before watch
// events so a restart does not skip chunks.
type Watcher struct {
	dir  string
	sink Enqueuer

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped sync.WaitGroup

	mu   sync.Mutex
	seen map[string]bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New starts watching dir for chunk files. The directory is created if it
// does not exist.
func New(sessionID, dir string, sink Enqueuer) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching spool directory: %w", err)
	}

	w := &Watcher{
		dir:     dir,
		sink:    sink,
		watcher: fsw,
		done:    make(chan struct{}),
		seen:    make(map[string]bool),
		logger:  logging.WithSession(sessionID).With().Str("spoolDir", dir).Logger(),
		metrics: metrics.DefaultMetrics,
	}

	w.scanExisting()

	w.stopped.Add(1)
	go w.run()

	w.logger.Info().Msg("Spool watcher started")
	return w, nil
}

// Close stops the watcher. Chunks already handed to the pool are
// unaffected.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.stopped.Wait()
	return err
}

// scanExisting enqueues files that were dropped before the watcher
// started, in chunk index order.
func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to scan spool directory")
		return
	}

	var chunks []chunkFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		cf, ok := w.parseName(entry.Name())
		if !ok {
			continue
		}
		chunks = append(chunks, cf)
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	for _, cf := range chunks {
		w.process(cf)
	}
}

func (w *Watcher) run() {
	defer w.stopped.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			cf, parsed := w.parseName(name)
			if !parsed {
				continue
			}
			w.process(cf)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Spool watcher error")
		}
	}
}

// parseName extracts chunk timing from chunk_<index>_<startMs>_<durMs>.wav.
// Temp files and foreign files are skipped silently; files that look like
// chunks but do not parse are counted and warned about.
func (w *Watcher) parseName(name string) (chunkFile, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".wav") {
		return chunkFile{}, false
	}
	if !strings.HasPrefix(name, "chunk_") {
		return chunkFile{}, false
	}

	parts := strings.Split(strings.TrimSuffix(name, ".wav"), "_")
	if len(parts) != 4 {
		w.skipMalformed(name, "expected chunk_<index>_<startMs>_<durMs>.wav")
		return chunkFile{}, false
	}

	index, err := strconv.Atoi(parts[1])
	if err != nil {
		w.skipMalformed(name, "bad index")
		return chunkFile{}, false
	}
	startMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		w.skipMalformed(name, "bad start time")
		return chunkFile{}, false
	}
	durMs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		w.skipMalformed(name, "bad duration")
		return chunkFile{}, false
	}

	return chunkFile{
		name:     name,
		index:    index,
		startSec: float64(startMs) / 1000.0,
		durSec:   float64(durMs) / 1000.0,
	}, true
}

func (w *Watcher) skipMalformed(name, reason string) {
	w.metrics.RecordSpoolFileSkipped()
	w.logger.Warn().Str("file", name).Str("reason", reason).Msg("Skipping malformed spool file")
}

// process reads the chunk payload and hands it to the pool exactly once.
func (w *Watcher) process(cf chunkFile) {
	w.mu.Lock()
	if w.seen[cf.name] {
		w.mu.Unlock()
		return
	}
	w.seen[cf.name] = true
	w.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(w.dir, cf.name))
	if err != nil {
		w.metrics.RecordSpoolFileSkipped()
		w.logger.Warn().Err(err).Str("file", cf.name).Msg("Failed to read spool file")
		return
	}

	seq, ok := w.sink.Enqueue(data, cf.startSec, cf.durSec, "spool")
	if !ok {
		w.logger.Warn().
			Str("file", cf.name).
			Uint64("sequenceId", seq).
			Msg("Spool chunk not accepted by pool")
		return
	}

	w.metrics.RecordSpoolFile()
	w.logger.Debug().
		Str("file", cf.name).
		Int("chunkIndex", cf.index).
		Uint64("sequenceId", seq).
		Float64("startTime", cf.startSec).
		Msg("Spool chunk enqueued")
}
