// Package trace provides file-based trace persistence in JSON Lines
// format, with batching, size rotation, and retention cleanup.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/trace"
)

// Rotation modes.
const (
	RotationSize = "size"
	RotationNone = "none"
)

// Config holds file recorder configuration.
type Config struct {
	// OutputDir is where trace files are written. Created 0700.
	OutputDir string
	// BatchSize is the in-memory buffer length before an automatic flush
	// (default 100).
	BatchSize int
	// Privacy replaces args with their canonical SHA-256 hash.
	Privacy bool
	// Rotation is "size" or "none" (default "size").
	Rotation string
	// MaxFileSizeMB caps file size before rotation (default 100).
	MaxFileSizeMB int
	// RetentionDays removes older files (default 30).
	RetentionDays int
}

// traceFilePattern matches trace_<YYYYMMDD_HHMMSS>.jsonl, with an
// optional rotation counter.
var traceFilePattern = regexp.MustCompile(`^trace_(\d{8}_\d{6})(?:_(\d+))?\.jsonl$`)

// FileRecorder implements trace.Recorder on rotating JSONL files.
// One mutex guards the buffer and the file handle.
type FileRecorder struct {
	dir           string
	batchSize     int
	privacy       bool
	rotation      string
	maxFileSize   int64
	retentionDays int
	now           func() time.Time

	mu          sync.Mutex
	buf         []trace.Record
	currentFile *os.File
	currentSize int64
	counter     int
	closed      bool

	logger *slog.Logger
	cancel context.CancelFunc
}

// Option configures a FileRecorder.
type Option func(*FileRecorder)

// WithClock injects a time source for deterministic filenames in tests.
func WithClock(now func() time.Time) Option {
	return func(r *FileRecorder) { r.now = now }
}

// NewFileRecorder creates the output directory, opens the first trace
// file, runs retention cleanup, and starts the hourly cleanup goroutine.
func NewFileRecorder(cfg Config, logger *slog.Logger, opts ...Option) (*FileRecorder, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.Rotation == "" {
		cfg.Rotation = RotationSize
	}
	if cfg.Rotation != RotationSize && cfg.Rotation != RotationNone {
		return nil, fmt.Errorf("unknown rotation mode %q", cfg.Rotation)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0700); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &FileRecorder{
		dir:           cfg.OutputDir,
		batchSize:     cfg.BatchSize,
		privacy:       cfg.Privacy,
		rotation:      cfg.Rotation,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		now:           time.Now,
		logger:        logger,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.openNewFile(); err != nil {
		cancel()
		return nil, err
	}

	r.runCleanup()
	go r.cleanupLoop(ctx)

	return r, nil
}

// Record buffers one trace record, applying privacy mode, and flushes
// when the buffer reaches the batch size.
func (r *FileRecorder) Record(_ context.Context, rec trace.Record) error {
	if r.privacy && rec.Args != nil {
		hash, err := trace.HashArgs(rec.Args)
		if err != nil {
			return fmt.Errorf("hash args: %w", err)
		}
		rec.Args = nil
		rec.ArgsHash = hash
	}
	rec.Timestamp = rec.Timestamp.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("trace recorder closed")
	}

	r.buf = append(r.buf, rec)
	if len(r.buf) >= r.batchSize {
		return r.flushLocked()
	}
	return nil
}

// Flush writes every buffered record and syncs the file.
func (r *FileRecorder) Flush(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flushLocked(); err != nil {
		return err
	}
	if r.currentFile != nil {
		return r.currentFile.Sync()
	}
	return nil
}

// Close flushes, stops the cleanup goroutine, and closes the file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	flushErr := r.flushLocked()
	if r.currentFile != nil {
		_ = r.currentFile.Sync()
		closeErr := r.currentFile.Close()
		r.currentFile = nil
		if flushErr != nil {
			return flushErr
		}
		return closeErr
	}
	return flushErr
}

// flushLocked writes the buffer as JSON lines, rotating on size when
// configured. Caller holds the lock.
func (r *FileRecorder) flushLocked() error {
	for len(r.buf) > 0 {
		if r.rotation == RotationSize && r.currentSize >= r.maxFileSize {
			if err := r.rotateLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		rec := r.buf[0]
		data, err := json.Marshal(rec)
		if err != nil {
			// Drop the unmarshalable record rather than wedging the buffer.
			r.buf = r.buf[1:]
			r.logger.Error("trace: dropping unmarshalable record", "error", err)
			continue
		}

		n, err := r.currentFile.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write trace record: %w", err)
		}
		r.currentSize += int64(n)
		r.buf = r.buf[1:]
	}
	r.buf = nil
	return nil
}

// openNewFile opens a fresh timestamped trace file. A counter suffix
// disambiguates rotations inside one second.
func (r *FileRecorder) openNewFile() error {
	stamp := r.now().UTC().Format("20060102_150405")

	name := fmt.Sprintf("trace_%s.jsonl", stamp)
	if r.counter > 0 {
		name = fmt.Sprintf("trace_%s_%d.jsonl", stamp, r.counter)
	}
	path := filepath.Join(r.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open trace file %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat trace file %s: %w", name, err)
	}

	r.currentFile = f
	r.currentSize = info.Size()
	return nil
}

// rotateLocked closes the current file and opens the next one.
func (r *FileRecorder) rotateLocked() error {
	if r.currentFile != nil {
		_ = r.currentFile.Sync()
		_ = r.currentFile.Close()
		r.currentFile = nil
	}
	r.counter++
	return r.openNewFile()
}

// runCleanup removes trace files older than the retention period.
func (r *FileRecorder) runCleanup() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Error("trace cleanup: failed to read directory", "dir", r.dir, "error", err)
		return
	}

	cutoff := r.now().UTC().AddDate(0, 0, -r.retentionDays)
	deleted := 0

	for _, e := range entries {
		m := traceFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fileTime, err := time.Parse("20060102_150405", m[1])
		if err != nil {
			continue
		}
		if fileTime.Before(cutoff) {
			if err := os.Remove(filepath.Join(r.dir, e.Name())); err != nil {
				r.logger.Error("trace cleanup: failed to delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		r.logger.Info("trace cleanup completed", "deleted", deleted)
	}
}

// cleanupLoop runs retention cleanup hourly until canceled.
func (r *FileRecorder) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCleanup()
		}
	}
}

var _ trace.Recorder = (*FileRecorder)(nil)
