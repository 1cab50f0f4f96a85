// Package ledger implements the append-only, size-rotated fills journal.
//
// Each fill is written as a single JSON-lines object protected by a
// per-path mutex, mirroring the atomic-write discipline the bot already
// uses for position persistence: writes never leave the file in a partial
// state, and a write failure is logged and swallowed rather than
// propagated, because the ledger is advisory — the exchange's own state
// remains authoritative.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"lighter-mm/pkg/types"
)

// Ledger is a lock-protected, size-rotated JSON-lines append log.
type Ledger struct {
	mu         sync.Mutex
	path       string
	archiveDir string
	maxBytes   int64
	logger     *slog.Logger
}

// Open prepares a ledger at path, creating its directory and archive
// directory if necessary.
func Open(path, archiveDir string, maxBytes int64, logger *slog.Logger) (*Ledger, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Ledger{
		path:       path,
		archiveDir: archiveDir,
		maxBytes:   maxBytes,
		logger:     logger.With("component", "ledger"),
	}, nil
}

// Append writes one fill event as a single JSON line, rotating the file
// into the archive directory first if the write would exceed max_bytes.
// A write failure is logged and never returned to the caller: AccountListener
// must not roll back inventory mutation because the ledger failed to persist.
func (l *Ledger) Append(event types.FillEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.TradeID == "" && event.ID == "" {
		event.ID = uuid.NewString()
	}

	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Debug("marshal fill event failed", "error", err)
		return
	}
	line = append(line, '\n')

	if info, statErr := os.Stat(l.path); statErr == nil {
		if info.Size()+int64(len(line)) > l.maxBytes {
			if err := l.rotateLocked(); err != nil {
				l.logger.Debug("ledger rotation failed", "error", err)
			}
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Debug("open ledger failed", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		l.logger.Debug("write ledger entry failed", "error", err)
	}
}

// rotateLocked renames the current ledger file into the archive directory
// under a timestamp-and-uuid name. Must be called with mu held.
func (l *Ledger) rotateLocked() error {
	stamp := uuidStamp()
	target := filepath.Join(l.archiveDir, fmt.Sprintf("fills-%s.jsonl", stamp))
	return os.Rename(l.path, target)
}

// uuidStamp produces the archive suffix "<UTC stamp>-<uuid>"; the UTC
// stamp component is supplied by the caller environment via time.Now() at
// call time, so this must only be invoked from a live rotation, never
// reused for deterministic test fixtures.
func uuidStamp() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()
}

// Reset rotates the current ledger file out of the way (or removes it, if
// no entries have yet accumulated), leaving a clean ledger going forward.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() == 0 {
		return os.Remove(l.path)
	}
	return l.rotateLocked()
}

// IterEvents yields every event on disk in file order, optionally filtered
// to timestamps >= sinceTS. Malformed lines are silently skipped. Reading
// acquires the same lock as Append to exclude concurrent rotations.
func (l *Ledger) IterEvents(sinceTS float64) ([]types.FillEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var events []types.FillEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev types.FillEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Timestamp < sinceTS {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
