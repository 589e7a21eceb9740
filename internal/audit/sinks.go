// ABOUTME: Sink implementations: SQLite store, append-only JSON lines file, and fan-out
// ABOUTME: Sinks wrap permanent failures in ErrRejected so the logger stops retrying them

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/assessor-labs/mcpgate/internal/store"
)

// StoreSink writes to the SQLite audit tables.
type StoreSink struct {
	store store.AuditStore
}

// NewStoreSink creates a sink over s. Closing the sink does not close s.
func NewStoreSink(s store.AuditStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Start(ctx context.Context, rec Record) error {
	err := s.store.InsertAuditRecord(ctx, toStoreRecord(rec))
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

func (s *StoreSink) Finish(ctx context.Context, rec Record) error {
	err := s.store.FinalizeAuditRecord(ctx, toStoreRecord(rec))
	if errors.Is(err, store.ErrAlreadyFinalized) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

func (s *StoreSink) Security(ctx context.Context, ev SecurityEvent) error {
	err := s.store.AppendSecurityEvent(ctx, &store.SecurityEvent{
		RequestID: ev.RequestID,
		Category:  string(ev.Category),
		Identity:  ev.Identity,
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

func (s *StoreSink) Close() error { return nil }

func toStoreRecord(rec Record) *store.AuditRecord {
	out := &store.AuditRecord{
		RequestID:   rec.RequestID,
		Identity:    rec.Identity,
		ToolName:    rec.ToolName,
		Parameters:  rec.Parameters,
		Status:      store.AuditStatus(rec.Status),
		HTTPStatus:  rec.HTTPStatus,
		StartTime:   rec.StartTime,
		ErrorDetail: rec.ErrorDetail,
	}
	if !rec.EndTime.IsZero() {
		end := rec.EndTime
		out.EndTime = &end
	}
	return out
}

// fileEntry is one JSON line in the audit file.
type fileEntry struct {
	Kind     string         `json:"kind"`
	Recorded time.Time      `json:"recorded"`
	Record   *Record        `json:"record,omitempty"`
	Event    *SecurityEvent `json:"event,omitempty"`
}

// FileSink appends JSON lines to a file. Terminal records and security events
// are fsynced before the write is acknowledged.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFileSink opens path for appending, creating it and its directory if needed.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the file being written.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Start(_ context.Context, rec Record) error {
	return s.append(fileEntry{Kind: "start", Record: &rec}, false)
}

func (s *FileSink) Finish(_ context.Context, rec Record) error {
	return s.append(fileEntry{Kind: "finish", Record: &rec}, true)
}

func (s *FileSink) Security(_ context.Context, ev SecurityEvent) error {
	return s.append(fileEntry{Kind: "security", Event: &ev}, true)
}

func (s *FileSink) append(e fileEntry, durable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("%w: file sink closed", ErrRejected)
	}
	e.Recorded = time.Now().UTC()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("writing audit file: %w", err)
	}
	if durable {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("syncing audit file: %w", err)
		}
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// MultiSink fans writes out to several sinks. When some sinks fail, the ones
// that succeeded are skipped on the retry of the same write.
type MultiSink struct {
	sinks   []Sink
	mu      sync.Mutex
	partial map[string][]bool
}

// NewMultiSink creates a fan-out over sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, partial: make(map[string][]bool)}
}

func (m *MultiSink) Start(ctx context.Context, rec Record) error {
	return m.fanout("start\x1f"+rec.RequestID, func(s Sink) error { return s.Start(ctx, rec) })
}

func (m *MultiSink) Finish(ctx context.Context, rec Record) error {
	return m.fanout("finish\x1f"+rec.RequestID, func(s Sink) error { return s.Finish(ctx, rec) })
}

func (m *MultiSink) Security(ctx context.Context, ev SecurityEvent) error {
	return m.fanout("security\x1f"+ev.RequestID+"\x1f"+string(ev.Category), func(s Sink) error { return s.Security(ctx, ev) })
}

func (m *MultiSink) fanout(key string, write func(Sink) error) error {
	m.mu.Lock()
	done, retrying := m.partial[key]
	if !retrying {
		done = make([]bool, len(m.sinks))
	}
	m.mu.Unlock()

	var transient, rejected []error
	for i, s := range m.sinks {
		if done[i] {
			continue
		}
		err := write(s)
		switch {
		case err == nil:
			done[i] = true
		case errors.Is(err, ErrRejected):
			done[i] = true
			rejected = append(rejected, err)
		default:
			transient = append(transient, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(transient) > 0 {
		m.partial[key] = done
		return errors.Join(transient...)
	}
	delete(m.partial, key)
	if len(rejected) == len(m.sinks) {
		return errors.Join(rejected...)
	}
	return nil
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
