// Package capturelog records voice-session events (transcripts, wake
// hits, state changes, alerts) to daily JSONL files and ships completed
// days to S3-compatible storage.
package capturelog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxhome/voxd/internal/config"
	"github.com/voxhome/voxd/internal/util"
)

// uploadQueueDepth bounds files waiting for upload.
const uploadQueueDepth = 16

// Entry is one capture-log line.
type Entry struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Event kinds recorded by the runtime.
const (
	KindState    = "state"
	KindWakeWord = "wake_word"
	KindSTT      = "stt"
	KindTTS      = "tts"
	KindAlert    = "alert"
	KindUpgrade  = "upgrade"
)

// Recorder appends entries to a per-day JSONL file. A day rollover closes
// the finished file, queues it for upload, and prunes files past the
// retention window.
type Recorder struct {
	cfg      config.CaptureLogConfig
	deviceID string

	mu   sync.Mutex
	file *os.File
	day  string

	uploads  chan string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	uploader *uploader
}

// NewRecorder creates a recorder from the capture-log config section.
// Returns nil when the section is disabled, which callers treat as a
// silent sink.
func NewRecorder(cfg config.CaptureLogConfig, deviceID string) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, util.WrapError("create capture log directory", err)
	}

	r := &Recorder{
		cfg:      cfg,
		deviceID: deviceID,
		uploads:  make(chan string, uploadQueueDepth),
		stopCh:   make(chan struct{}),
	}
	if cfg.S3Bucket != "" && cfg.S3AccessKeyID != "" {
		up, err := newUploader(cfg, deviceID)
		if err != nil {
			return nil, err
		}
		r.uploader = up
	}

	r.wg.Add(1)
	go r.uploadWorker()
	return r, nil
}

// Log appends one entry. A nil recorder discards it.
func (r *Recorder) Log(kind, text, detail string) {
	if r == nil {
		return
	}
	entry := Entry{Time: time.Now(), Kind: kind, Text: text, Detail: detail}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rotateLocked(entry.Time); err != nil {
		slog.Warn("capture log rotation failed", "error", err)
		return
	}
	if _, err := r.file.Write(line); err != nil {
		slog.Warn("capture log write failed", "error", err)
	}
}

// rotateLocked opens the file for the entry's day, finishing the previous
// day first.
func (r *Recorder) rotateLocked(now time.Time) error {
	day := now.Format(time.DateOnly)
	if r.file != nil && day == r.day {
		return nil
	}

	if r.file != nil {
		finished := r.currentPathLocked()
		if err := r.file.Close(); err != nil {
			slog.Warn("failed to close capture log", "error", err)
		}
		r.file = nil
		r.queueUpload(finished)
		r.pruneLocked()
	}

	r.day = day
	file, err := os.OpenFile(r.currentPathLocked(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open capture log file", err)
	}
	r.file = file
	return nil
}

func (r *Recorder) currentPathLocked() string {
	return filepath.Join(r.cfg.Dir, "capture-"+r.day+".jsonl")
}

func (r *Recorder) queueUpload(path string) {
	if r.uploader == nil {
		return
	}
	select {
	case r.uploads <- path:
		slog.Info("queued capture log for upload", "file", filepath.Base(path))
	default:
		slog.Warn("capture log upload queue full", "file", filepath.Base(path))
	}
}

// pruneLocked deletes local files past the retention window. Retention 0
// keeps everything.
func (r *Recorder) pruneLocked() {
	if r.cfg.RetentionDays == 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -r.cfg.RetentionDays)

	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		slog.Warn("failed to read capture log directory", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := dayFromFilename(entry.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(r.cfg.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to prune capture log", "file", entry.Name(), "error", err)
		} else {
			slog.Debug("pruned capture log", "file", entry.Name())
		}
	}
}

// dayFromFilename parses the date out of "capture-YYYY-MM-DD.jsonl".
func dayFromFilename(name string) (time.Time, bool) {
	const prefix, suffix = "capture-", ".jsonl"
	if len(name) != len(prefix)+len(time.DateOnly)+len(suffix) {
		return time.Time{}, false
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return time.Time{}, false
	}
	day, err := time.Parse(time.DateOnly, name[len(prefix):len(name)-len(suffix)])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// uploadWorker ships queued files, pacing retries with a backoff.
func (r *Recorder) uploadWorker() {
	defer r.wg.Done()

	backoff := util.NewBackoff(10*time.Second, 5*time.Minute)
	for {
		select {
		case <-r.stopCh:
			for {
				select {
				case path := <-r.uploads:
					r.uploadOnce(path, backoff)
				default:
					return
				}
			}
		case path := <-r.uploads:
			r.uploadOnce(path, backoff)
		}
	}
}

// uploadOnce tries to ship one file, retrying with backoff until stop.
func (r *Recorder) uploadOnce(path string, backoff *util.Backoff) {
	for {
		err := r.uploader.Upload(path)
		if err == nil {
			backoff.Reset()
			return
		}
		if os.IsNotExist(err) {
			return
		}
		delay := backoff.Next()
		slog.Warn("capture log upload failed, retrying",
			"file", filepath.Base(path), "retry_in", delay, "error", err)
		select {
		case <-r.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// Stop closes the current file and drains the upload queue.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.file != nil {
		finished := r.currentPathLocked()
		_ = r.file.Close()
		r.file = nil
		r.queueUpload(finished)
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}
