package journal

// ============================================================================
// Provisioning journal
// Responsibilities:
// 1. Append one record per provisioning decision (append-only JSON lines)
// 2. Replay records with checksum verification for `history`
// 3. Rotate the live file into a gzip archive
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Record is one journaled provisioning decision.
type Record struct {
	Seq       uint64             `json:"seq"`
	RunID     string             `json:"run_id"`
	Timestamp int64              `json:"timestamp"` // unix millis
	Name      string             `json:"name"`
	Kind      types.ResourceKind `json:"kind"`
	Address   types.Address      `json:"address"`
	Decision  types.Decision     `json:"decision"`
	Funded    types.Lamports     `json:"funded,omitempty"`
	Note      string             `json:"note,omitempty"`
	Error     string             `json:"error,omitempty"`
	Checksum  uint32             `json:"checksum"`
}

// Time returns the record timestamp.
func (r Record) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// Handler is called for each record during Replay. Returning an error
// stops the replay.
type Handler func(r Record) error

// File is the subset of *os.File the journal writes through.
type File interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an append-only record file.
type Journal struct {
	mu           sync.Mutex
	file         File
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

// Open creates or opens the journal at path and continues numbering after
// the last intact record.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if last, err := LastRecord(path); err == nil {
		seq = last.Seq
	}

	return &Journal{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append writes e as the next record of run runID.
func (j *Journal) Append(runID string, e provision.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	rec := Record{
		Seq:       j.seq + 1,
		RunID:     runID,
		Timestamp: j.now().UnixMilli(),
		Name:      e.Name,
		Kind:      e.Kind,
		Address:   e.Address,
		Decision:  e.Decision,
		Funded:    e.Funded,
		Note:      e.Note,
		Error:     e.Error,
	}
	sum, err := Checksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal seq=%d: %w", rec.Seq, err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: append seq=%d: %w", rec.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	j.seq = rec.Seq
	return nil
}

// Hook adapts the journal to a provisioner hook. Write failures are logged
// and do not fail the run.
func (j *Journal) Hook(log zerolog.Logger) provision.Hook {
	return func(runID string, e provision.Entry) {
		if err := j.Append(runID, e); err != nil {
			log.Error().Err(err).Str("resource", e.Name).Msg("journal append failed")
		}
	}
}

// Replay reads every record from the start and calls handler in order.
// It stops at the first corrupted record or checksum mismatch.
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return replayFile(j.path, handler)
}

// Rotate compresses the live file into path.<timestamp>.gz and starts an
// empty one. Sequence numbers keep counting.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	archive := j.path + "." + j.now().UTC().Format("20060102_150405") + ".gz"
	flags := os.O_CREATE | os.O_RDWR | os.O_APPEND
	cerr := compressFile(j.path, archive)
	if cerr == nil {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(j.path, flags, 0o644)
	if err != nil {
		j.closed = true
		return "", err
	}
	j.file = file
	if cerr != nil {
		os.Remove(archive)
		return "", fmt.Errorf("journal: rotate: %w", cerr)
	}
	return archive, nil
}

// LastSeq returns the sequence number of the last appended record.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close syncs and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return j.file.Close()
}

func replayFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			rec, decErr := decodeLine(line, offset)
			if decErr != nil {
				return decErr
			}
			if err := handler(rec); err != nil {
				return err
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func decodeLine(line []byte, offset int64) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, &CorruptionError{Offset: offset, Cause: err}
	}
	want, err := Checksum(rec)
	if err != nil {
		return rec, &CorruptionError{Seq: rec.Seq, Offset: offset, Cause: err}
	}
	if rec.Checksum != want {
		return rec, &ChecksumError{Seq: rec.Seq, Expected: want, Actual: rec.Checksum}
	}
	return rec, nil
}

func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
