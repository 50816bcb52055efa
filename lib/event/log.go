// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/vigil-sh/vigil/lib/clock"
	"github.com/vigil-sh/vigil/lib/codec"
)

// Records are length-prefixed CBOR: a 4-byte big-endian length
// followed by the deterministic encoding of the Event. The prefix
// makes torn tails detectable without a framing scan.
const lengthPrefixSize = 4

// maxRecordSize bounds a single record. A record claiming more is
// treated as corruption, not a huge allocation.
const maxRecordSize = 16 << 20

const activeLogName = "events.cbor"

// LogConfig configures the event log writer.
type LogConfig struct {
	// Dir is the directory holding the active segment and rotated
	// segments. Created if missing.
	Dir string

	// RotateBytes rotates the active segment when it exceeds this
	// size. Zero defaults to 64 MiB. Rotated segments are compressed
	// to .cbor.zst in place.
	RotateBytes int64

	// WriteRetries is the number of attempts per append. Zero
	// defaults to 3. After exhaustion the event is logged and
	// dropped; a failed write never blocks the next event.
	WriteRetries int

	// RetryBackoff is the initial retry delay, doubled per attempt.
	// Zero defaults to 50ms.
	RetryBackoff time.Duration

	// Clock supplies time for sequence timestamps and retry sleeps.
	// Nil defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// logFile is the slice of *os.File behavior the writer touches. An
// interface so tests can interpose failing writes on the active
// segment.
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Log is the durable append-only event log. Appends are serialized by
// an internal mutex; different sessions' events share one file, but a
// single append is short enough that the lock never becomes the
// bottleneck ahead of the disk itself.
type Log struct {
	dir          string
	rotateBytes  int64
	writeRetries int
	retryBackoff time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	file    logFile
	size    int64
	nextSeq uint64
	dropped uint64
}

// OpenLog opens (or creates) the event log in cfg.Dir. A torn trailing
// record from a crash mid-append is truncated away; everything before
// it is authoritative.
func OpenLog(cfg LogConfig) (*Log, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("event: log Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("event: creating log dir: %w", err)
	}

	l := &Log{
		dir:          cfg.Dir,
		rotateBytes:  cfg.RotateBytes,
		writeRetries: cfg.WriteRetries,
		retryBackoff: cfg.RetryBackoff,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	if l.rotateBytes <= 0 {
		l.rotateBytes = 64 << 20
	}
	if l.writeRetries <= 0 {
		l.writeRetries = 3
	}
	if l.retryBackoff <= 0 {
		l.retryBackoff = 50 * time.Millisecond
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}

	path := filepath.Join(cfg.Dir, activeLogName)
	validSize, lastSeq, err := scanLog(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("event: opening log: %w", err)
	}
	if info, err := file.Stat(); err == nil && info.Size() > validSize {
		l.logger.Warn("truncating torn event log tail",
			"path", path, "file_size", info.Size(), "valid_size", validSize)
		if err := file.Truncate(validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("event: truncating torn tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("event: seeking log end: %w", err)
	}

	l.file = file
	l.size = validSize
	l.nextSeq = lastSeq + 1
	return l, nil
}

// scanLog walks the records in path, returning the byte size of the
// valid prefix and the last sequence number seen. A missing file is an
// empty log.
func scanLog(path string) (validSize int64, lastSeq uint64, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("event: opening log for scan: %w", err)
	}
	defer file.Close()

	var prefix [lengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(file, prefix[:]); err != nil {
			// Clean EOF ends the scan; a partial prefix is a torn tail.
			return validSize, lastSeq, nil
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length == 0 || length > maxRecordSize {
			return validSize, lastSeq, nil
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(file, body); err != nil {
			return validSize, lastSeq, nil
		}
		var e Event
		if err := codec.Unmarshal(body, &e); err != nil {
			return validSize, lastSeq, nil
		}
		validSize += int64(lengthPrefixSize) + int64(length)
		lastSeq = e.Seq
	}
}

// Append validates e, assigns its sequence number, and writes it
// durably. Transient write failures are retried with bounded
// exponential backoff; on exhaustion the event is logged and dropped
// (the error is returned, but the log remains usable for the next
// event).
//
// Validation failures are returned immediately without retry: they are
// producer bugs, not infrastructure weather.
func (l *Log) Append(e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event: log is closed")
	}

	e.Seq = l.nextSeq
	if e.Time.IsZero() {
		e.Time = l.clock.Now()
	}

	body, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("event: encoding: %w", err)
	}
	record := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(record, uint32(len(body)))
	copy(record[lengthPrefixSize:], body)

	backoff := l.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= l.writeRetries; attempt++ {
		lastErr = l.writeRecord(record)
		if lastErr == nil {
			l.nextSeq++
			l.size += int64(len(record))
			if l.size >= l.rotateBytes {
				l.rotate()
			}
			return nil
		}
		l.logger.Warn("event log write failed",
			"attempt", attempt, "error", lastErr)
		if attempt < l.writeRetries {
			l.clock.Sleep(backoff)
			backoff *= 2
		}
	}

	l.dropped++
	l.logger.Error("event dropped after retry exhaustion",
		"kind", e.Kind, "session", e.SessionID(), "error", lastErr)
	return fmt.Errorf("event: append exhausted %d attempts: %w", l.writeRetries, lastErr)
}

func (l *Log) writeRecord(record []byte) error {
	written, err := l.file.Write(record)
	if err != nil {
		// Rewind a partial write so a retry doesn't interleave bytes.
		if written > 0 {
			if _, seekErr := l.file.Seek(-int64(written), io.SeekCurrent); seekErr == nil {
				l.file.Truncate(l.size)
			}
		}
		return err
	}
	return nil
}

// rotate renames the active segment to a sequence-stamped name,
// compresses it, and starts a fresh active segment. Called with the
// append lock held; compression runs inline because rotation is rare
// and bounded by RotateBytes.
func (l *Log) rotate() {
	path := filepath.Join(l.dir, activeLogName)
	rotated := filepath.Join(l.dir, fmt.Sprintf("events-%016d.cbor", l.nextSeq-1))

	if err := l.file.Sync(); err != nil {
		l.logger.Warn("syncing segment before rotation", "error", err)
	}
	if err := l.file.Close(); err != nil {
		l.logger.Warn("closing segment before rotation", "error", err)
	}
	if err := os.Rename(path, rotated); err != nil {
		l.logger.Error("rotating event log", "error", err)
		// Reopen the original and carry on; rotation failure must not
		// stop ingestion.
		file, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
		if openErr != nil {
			l.logger.Error("reopening event log after failed rotation", "error", openErr)
			l.file = nil
			return
		}
		l.file = file
		return
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		l.logger.Error("opening fresh event log segment", "error", err)
		l.file = nil
		return
	}
	l.file = file
	l.size = 0

	if err := compressSegment(rotated); err != nil {
		l.logger.Warn("compressing rotated segment", "path", rotated, "error", err)
		return
	}
	os.Remove(rotated)
	l.logger.Info("event log segment rotated", "path", rotated+".zst")
}

// compressSegment writes path.zst next to path. The original is left
// for the caller to remove once compression succeeds.
func compressSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".zst", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	writer, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(writer, in); err != nil {
		writer.Close()
		out.Close()
		os.Remove(path + ".zst")
		return err
	}
	if err := writer.Close(); err != nil {
		out.Close()
		os.Remove(path + ".zst")
		return err
	}
	return out.Close()
}

// Dropped returns the number of events lost to retry exhaustion since
// the log was opened. Surfaced on the status endpoint.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// NextSeq returns the sequence number the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Sync flushes buffered writes to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close syncs and closes the active segment. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return fmt.Errorf("event: syncing log on close: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("event: closing log: %w", closeErr)
	}
	return nil
}

// Replay calls fn for each event in the active segment in sequence
// order. Rotated segments are replayed first, oldest first,
// decompressing as needed. Replay opens its own read handles; it is
// safe to call on a live log, observing a prefix of it.
func Replay(dir string, fn func(*Event) error) error {
	segments, err := filepath.Glob(filepath.Join(dir, "events-*.cbor*"))
	if err != nil {
		return fmt.Errorf("event: listing segments: %w", err)
	}
	sort.Strings(segments)
	segments = append(segments, filepath.Join(dir, activeLogName))

	for _, segment := range segments {
		if err := replaySegment(segment, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, fn func(*Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("event: opening segment %s: %w", path, err)
	}
	defer file.Close()

	var reader io.Reader = file
	if filepath.Ext(path) == ".zst" {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("event: decompressing %s: %w", path, err)
		}
		defer decoder.Close()
		reader = decoder
	}

	var prefix [lengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(reader, prefix[:]); err != nil {
			return nil // clean EOF or torn tail: stop
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length == 0 || length > maxRecordSize {
			return nil
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil
		}
		var e Event
		if err := codec.Unmarshal(body, &e); err != nil {
			return nil
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
}
