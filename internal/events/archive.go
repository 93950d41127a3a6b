package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Archive appends events to hourly zstd-compressed JSONL files named
// events-YYYY-MM-DD-HH.jsonl.zst. The hour comes from the event's emission
// time so a replayed log lands in the same files.
type Archive struct {
	baseDir string
	logger  *slog.Logger

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewArchive creates an archive rooted at baseDir. Files are created lazily.
func NewArchive(baseDir string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{baseDir: baseDir, logger: logger}
}

// Emit implements Emitter. Write failures are logged, never returned.
func (a *Archive) Emit(env Envelope) {
	if err := a.Write(env); err != nil {
		a.logger.Error("archive event failed", "event", env.Name, "tx_id", env.TxID, "error", err)
	}
}

// Write appends one envelope and flushes it to the compressor.
func (a *Archive) Write(env Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	hour := time.Unix(env.EmittedAt, 0).UTC().Format("2006-01-02-15")
	if hour != a.curHour {
		if err := a.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return err
	}
	return a.w.Flush()
}

// Close flushes and closes the current file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Archive) rotateLocked(hour string) error {
	if err := a.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	a.f = f
	a.enc = enc
	a.w = bufio.NewWriterSize(enc, 64*1024)
	a.curHour = hour
	return nil
}

func (a *Archive) closeLocked() error {
	var err error
	if a.w != nil {
		_ = a.w.Flush()
	}
	if a.enc != nil {
		err = a.enc.Close()
		a.enc = nil
	}
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	a.w = nil
	a.curHour = ""
	return err
}

func (a *Archive) pathForHour(hour string) string {
	return filepath.Join(a.baseDir, fmt.Sprintf("events-%s.jsonl.zst", hour))
}

// ReadArchiveFile decodes every envelope in one archive file. Files that
// were appended to after a rotation hold several zstd frames; the decoder
// reads them as one stream.
func ReadArchiveFile(path string) ([]Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var out []Envelope
	for sc.Scan() {
		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, env)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
