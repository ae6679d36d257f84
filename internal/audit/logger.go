package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Sink receives finished audit entries. Implementations must be safe for
// concurrent use and must never mutate the entry.
type Sink interface {
	Write(ctx context.Context, e *models.AuditEntry) error
}

// Logger stamps and records audit entries.
type Logger struct {
	sink Sink
	log  *zap.Logger
}

// NewLogger creates a Logger writing to sink.
func NewLogger(sink Sink, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{sink: sink, log: log}
}

// Record assigns the log id, fills the request id from ctx when missing and
// writes the entry. Sink failures are logged and returned.
func (l *Logger) Record(ctx context.Context, e *Entry) error {
	if e.LogID == "" {
		e.LogID = uuid.NewString()
	}
	if e.RequestID == "" {
		e.RequestID = RequestID(ctx)
	}
	if err := l.sink.Write(ctx, &e.AuditEntry); err != nil {
		l.log.Error("failed to write audit entry",
			zap.Error(err),
			zap.String("action", e.Action),
			zap.String("actor_id", e.ActorID),
			zap.String("filters", models.FormatFilters(e.Filters)),
		)
		return err
	}
	l.log.Debug("audit entry recorded",
		zap.String("action", e.Action),
		zap.String("actor_id", e.ActorID),
		zap.String("outcome", string(e.Outcome)),
		zap.String("filters", models.FormatFilters(e.Filters)))
	return nil
}

// ─── Sinks ────────────────────────────────────────────────────────────────────

// StoreSink appends entries to the audit_entries table.
type StoreSink struct {
	store db.AuditStore
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store db.AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, e *models.AuditEntry) error {
	// The entry must land even if the caller's request was cancelled.
	return s.store.AppendAuditEntry(context.WithoutCancel(ctx), e)
}

// MultiSink fans an entry out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e *models.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileConfig configures the rotated JSON audit file.
type FileConfig struct {
	// Path is the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval bounds how long an entry may sit in the buffer
	FlushInterval time.Duration
}

// DefaultFileConfig returns default audit file configuration
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Path:          "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        90, // days
		Compress:      true,
		FlushInterval: time.Second,
	}
}

const fileBufferSize = 100

// FileSink buffers entries and writes them as JSON lines to a rotated file.
type FileSink struct {
	zl          *zap.Logger
	rotator     *lumberjack.Logger
	log         *zap.Logger
	mu          sync.Mutex
	buffer      []*models.AuditEntry
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewFileSink opens the audit file and starts the flush loop.
func NewFileSink(cfg *FileConfig, log *zap.Logger) (*FileSink, error) {
	if cfg == nil {
		cfg = DefaultFileConfig()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit file path is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:    "written_at",
		MessageKey: "message",
		LineEnding: zapcore.DefaultLineEnding,
		EncodeTime: zapcore.ISO8601TimeEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	// Audit logs are always INFO level, append-only
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), zapcore.InfoLevel)

	s := &FileSink{
		zl:          zap.New(core),
		rotator:     rotator,
		log:         log,
		buffer:      make([]*models.AuditEntry, 0, fileBufferSize),
		flushTicker: time.NewTicker(cfg.FlushInterval),
		stopCh:      make(chan struct{}),
	}
	go s.autoFlush()
	return s, nil
}

func (s *FileSink) Write(ctx context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.buffer = append(s.buffer, &cp)
	if len(s.buffer) >= fileBufferSize {
		return s.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (s *FileSink) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}
	for _, e := range s.buffer {
		raw, err := json.Marshal(e)
		if err != nil {
			s.log.Error("failed to marshal audit entry", zap.Error(err), zap.String("log_id", e.LogID))
			continue
		}
		s.zl.Info("audit",
			zap.String("log_id", e.LogID),
			zap.String("action", e.Action),
			zap.String("outcome", string(e.Outcome)),
			zap.Any("entry", json.RawMessage(raw)),
		)
	}
	s.buffer = s.buffer[:0]
	return nil
}

func (s *FileSink) autoFlush() {
	for {
		select {
		case <-s.flushTicker.C:
			s.mu.Lock()
			_ = s.flushLocked()
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Sync flushes buffered entries to disk.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.zl.Sync()
}

// Close stops the flush loop, flushes and closes the file.
func (s *FileSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.flushTicker.Stop()
		if err = s.Sync(); err != nil {
			return
		}
		err = s.rotator.Close()
	})
	return err
}

// ─── Request ids ──────────────────────────────────────────────────────────────

type requestIDKey struct{}

// WithRequestID adds a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request id from ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
