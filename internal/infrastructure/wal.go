package infrastructure

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrWALLocked is returned by NewWAL when another WAL holds the journal.
var ErrWALLocked = errors.New("wal: journal is in use")

// WALEntry is one journaled payload awaiting replay.
type WALEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	Data      json.RawMessage `json:"data"`
	Retries   int             `json:"retries"`
}

// WAL is an append-only JSON-lines journal. The broker manager writes reports
// it failed to forward; the replay command drains them. A WAL holds an
// exclusive advisory lock on <path>.lock until Close, so only one process
// appends or rewrites the journal at a time. Rotated segments (<path>.<n>)
// are read back by Entries and folded into the live file by Settle.
type WAL struct {
	path         string
	file         *os.File
	lockFile     *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
	maxRetries   int
}

// NewWAL opens or creates the journal at path. It fails with ErrWALLocked
// while another WAL, in this or another process, has the journal open.
func NewWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	lockFile, err := lockJournal(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		unlockJournal(lockFile)
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		unlockJournal(lockFile)
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		path:         path,
		file:         file,
		lockFile:     lockFile,
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
		maxRetries:   5,
	}, nil
}

// Append journals data, which must be valid JSON.
func (w *WAL) Append(kind, reason string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := WALEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      kind,
		Reason:    reason,
		Data:      json.RawMessage(data),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.currentSize += int64(len(line))
	if w.currentSize > w.rotationSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	return nil
}

// Entries returns every entry that still has retries left, oldest first.
// Corrupted lines are skipped.
func (w *WAL) Entries() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, _, err := w.scan()
	if err != nil {
		return nil, err
	}

	live := entries[:0]
	for _, e := range entries {
		if e.Retries < w.maxRetries {
			live = append(live, e)
		}
	}
	return live, nil
}

// Settle rewrites the journal without the processed entries and with the
// retry counter bumped on the failed ones. Entries out of retries are
// dropped.
func (w *WAL) Settle(processed, failed []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	done := make(map[string]struct{}, len(processed))
	for _, id := range processed {
		done[id] = struct{}{}
	}
	retried := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		retried[id] = struct{}{}
	}

	entries, segments, err := w.scan()
	if err != nil {
		return err
	}

	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}
	defer tempFile.Close()

	writer := bufio.NewWriter(tempFile)
	newSize := int64(0)
	for _, e := range entries {
		if _, ok := done[e.ID]; ok {
			continue
		}
		if _, ok := retried[e.ID]; ok {
			e.Retries++
		}
		if e.Retries >= w.maxRetries {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal WAL entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("failed to write to temp WAL: %w", err)
		}
		newSize += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush temp WAL: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}

	w.file.Close()
	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}

	w.file, err = os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	w.currentSize = newSize

	// Survivors of the rotated segments now live in the main file.
	for _, seg := range segments {
		if err := os.Remove(seg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove WAL segment: %w", err)
		}
	}

	return nil
}

// scan reads the rotated segments oldest first, then the live file. It
// returns the segment paths it read; callers hold w.mu.
func (w *WAL) scan() ([]WALEntry, []string, error) {
	segments, err := w.segments()
	if err != nil {
		return nil, nil, err
	}

	var entries []WALEntry
	for _, seg := range segments {
		f, err := os.Open(seg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open WAL segment: %w", err)
		}
		entries, err = readEntries(f, entries)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("failed to seek WAL: %w", err)
	}
	entries, err = readEntries(w.file, entries)
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
	}
	return entries, segments, nil
}

// segments lists rotated files, oldest first.
func (w *WAL) segments() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL segments: %w", err)
	}

	type segment struct {
		path string
		seq  int64
	}
	var segs []segment
	for _, m := range matches {
		seq, err := strconv.ParseInt(strings.TrimPrefix(m, w.path+"."), 10, 64)
		if err != nil {
			continue // .lock, .tmp
		}
		segs = append(segs, segment{path: m, seq: seq})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })

	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// readEntries appends the decodable lines of r to entries. Corrupted lines
// are skipped.
func readEntries(r io.Reader, entries []WALEntry) ([]WALEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}
	return entries, nil
}

// rotate archives the current file and starts a fresh one.
func (w *WAL) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}

	seq := time.Now().UnixNano()
	archivePath := fmt.Sprintf("%s.%d", w.path, seq)
	for {
		if _, err := os.Stat(archivePath); errors.Is(err, os.ErrNotExist) {
			break
		}
		seq++
		archivePath = fmt.Sprintf("%s.%d", w.path, seq)
	}
	if err := os.Rename(w.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive WAL file: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create new WAL file: %w", err)
	}

	w.file = file
	w.currentSize = 0
	return nil
}

// Close syncs and closes the journal.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	defer func() {
		unlockJournal(w.lockFile)
		w.lockFile = nil
	}()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.file.Close()
			return fmt.Errorf("failed to sync WAL before closing: %w", err)
		}
		return w.file.Close()
	}
	return nil
}

func lockJournal(path string) (*os.File, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWALLocked, path)
		}
		return nil, fmt.Errorf("failed to lock WAL: %w", err)
	}
	return f, nil
}

func unlockJournal(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// Stats returns journal statistics.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path":          w.path,
		"size":          w.currentSize,
		"rotation_size": w.rotationSize,
	}
}
