// Package auditlog implements the hash-chained, append-only JSON Lines log
// that records every flow step and entropy operation.
//
// Each log file has exactly one writer: an appender goroutine that receives
// append requests over a channel. Callers never touch the file handle, so
// concurrent appends cannot interleave and the chain head is never raced.
package auditlog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tccflow/pkg/canonicalize"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

// LogFile names one of the fixed log destinations.
type LogFile string

const (
	CryptoLog LogFile = "tcc_flow_log.jsonl"
	ModelLog  LogFile = "llm_flow_log.jsonl"
)

// Files returns the fixed log set.
func Files() []LogFile {
	return []LogFile{CryptoLog, ModelLog}
}

// ParseLogFile validates a log file name against the fixed set.
func ParseLogFile(name string) (LogFile, error) {
	for _, f := range Files() {
		if string(f) == name {
			return f, nil
		}
	}
	return "", flowerr.Validation("logs", "invalid log file %q, use %q or %q", name, CryptoLog, ModelLog)
}

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit log closed")

// Record holds the caller-supplied fields of an entry. The logger assigns
// prev_hash, operation_id, timestamp and signature.
type Record struct {
	StepIndex     int
	Operation     string
	Input         []byte
	Output        []byte
	Metadata      Metadata
	Level         Level
	ErrorCode     flowerr.Kind
	ExecutionTime time.Duration
}

// Appender is the write side consumed by the flow, reversal and entropy engines.
type Appender interface {
	Append(ctx context.Context, file LogFile, rec Record) (Entry, error)
}

// Option configures a Logger.
type Option func(*Logger)

// WithSigner signs every appended entry.
func WithSigner(s crypto.Signer) Option {
	return func(l *Logger) { l.signer = s }
}

// WithClock injects the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

// WithLogger sets the diagnostic logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Logger) { l.logger = lg }
}

// Logger owns the fixed set of log files under one directory.
type Logger struct {
	dir       string
	signer    crypto.Signer
	clock     func() time.Time
	logger    *slog.Logger
	appenders map[LogFile]*appender
	closeOnce sync.Once
}

// Open creates dir if needed and starts one appender per log file,
// recovering each chain head from the existing file contents.
func Open(dir string, opts ...Option) (*Logger, error) {
	l := &Logger{
		dir:       dir,
		clock:     time.Now,
		logger:    slog.Default().With("component", "auditlog"),
		appenders: make(map[LogFile]*appender),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	for _, file := range Files() {
		a, err := startAppender(l, file)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.appenders[file] = a
	}
	return l, nil
}

// Path returns the filesystem path of a log file.
func (l *Logger) Path(file LogFile) string {
	return filepath.Join(l.dir, string(file))
}

// PublicKey returns the hex public key entries are signed with, or "".
func (l *Logger) PublicKey() string {
	if l.signer == nil {
		return ""
	}
	return l.signer.PublicKey()
}

// Append persists one entry and returns it as written. It blocks until the
// line is fsynced; a single append is the unit of atomicity.
func (l *Logger) Append(ctx context.Context, file LogFile, rec Record) (Entry, error) {
	a, ok := l.appenders[file]
	if !ok {
		return Entry{}, flowerr.Validation("append", "unknown log file %q", file)
	}
	req := appendRequest{rec: rec, reply: make(chan appendResult, 1)}
	select {
	case a.reqs <- req:
	case <-a.quit:
		return Entry{}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	// Once accepted the write happens regardless of ctx, so wait for it.
	res := <-req.reply
	return res.entry, res.err
}

// ReadAll returns every complete entry of file in order.
func (l *Logger) ReadAll(file LogFile) ([]Entry, error) {
	if _, ok := l.appenders[file]; !ok {
		return nil, flowerr.Validation("read", "unknown log file %q", file)
	}
	return ReadFile(l.Path(file))
}

// VerifyChain recomputes the chain of file, checking signatures when the
// logger signs.
func (l *Logger) VerifyChain(file LogFile) (*Verification, error) {
	if _, ok := l.appenders[file]; !ok {
		return nil, flowerr.Validation("verify", "unknown log file %q", file)
	}
	return VerifyFile(l.Path(file), l.PublicKey())
}

// Close stops all appenders after in-flight appends complete.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		for _, a := range l.appenders {
			close(a.quit)
			<-a.done
		}
	})
}

type appendRequest struct {
	rec   Record
	reply chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// logFile is the part of *os.File the appender writes through.
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// appender is the single writer of one log file. size is the length of the
// file up to its last complete entry.
type appender struct {
	l    *Logger
	file LogFile
	f    logFile
	size int64
	head string
	reqs chan appendRequest
	quit chan struct{}
	done chan struct{}
}

func startAppender(l *Logger, file LogFile) (*appender, error) {
	path := l.Path(file)
	head, err := recoverHead(path, l.logger)
	if err != nil {
		return nil, err
	}
	//nolint:gosec // path is built from the fixed log set
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", file, err)
	}
	a := &appender{
		l:    l,
		file: file,
		f:    f,
		size: info.Size(),
		head: head,
		reqs: make(chan appendRequest),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func (a *appender) run() {
	defer close(a.done)
	defer func() { _ = a.f.Close() }()
	for {
		select {
		case req := <-a.reqs:
			entry, err := a.write(req.rec)
			req.reply <- appendResult{entry: entry, err: err}
		case <-a.quit:
			return
		}
	}
}

func (a *appender) write(rec Record) (Entry, error) {
	level := rec.Level
	code := rec.ErrorCode
	if code == "" {
		code = flowerr.KindNone
	}
	if level == "" {
		level = LevelInfo
		if code != flowerr.KindNone {
			level = LevelError
		}
	}
	elapsed := rec.ExecutionTime.Nanoseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	meta := rec.Metadata
	if meta == nil {
		meta = Metadata{}
	}

	entry := Entry{
		StepIndex:       rec.StepIndex,
		Operation:       rec.Operation,
		InputData:       base64.StdEncoding.EncodeToString(rec.Input),
		OutputData:      base64.StdEncoding.EncodeToString(rec.Output),
		Metadata:        meta,
		LogLevel:        level,
		ErrorCode:       string(code),
		PrevHash:        a.head,
		OperationID:     uuid.NewString(),
		Timestamp:       a.l.clock().UnixNano(),
		ExecutionTimeNs: elapsed,
	}

	if a.l.signer != nil {
		payload, err := entry.SigningPayload()
		if err != nil {
			return Entry{}, flowerr.Wrap(flowerr.KindInternal, "append", err, "canonicalize entry")
		}
		sig, err := a.l.signer.Sign(payload)
		if err != nil {
			return Entry{}, flowerr.Wrap(flowerr.KindInternal, "append", err, "sign entry")
		}
		entry.Signature = sig
	}

	hash, err := entry.Hash()
	if err != nil {
		return Entry{}, flowerr.Wrap(flowerr.KindInternal, "append", err, "hash entry")
	}
	line, err := marshalLine(&entry)
	if err != nil {
		return Entry{}, flowerr.Wrap(flowerr.KindInternal, "append", err, "serialize entry")
	}

	if _, err := a.f.Write(line); err != nil {
		a.rollback()
		return Entry{}, flowerr.Wrap(flowerr.KindInternal, "append", err, "write %s", a.file)
	}
	if err := a.f.Sync(); err != nil {
		a.rollback()
		return Entry{}, flowerr.Wrap(flowerr.KindInternal, "append", err, "sync %s", a.file)
	}
	a.size += int64(len(line))
	a.head = hash

	a.l.logger.Debug("entry appended",
		"file", a.file,
		"operation", entry.Operation,
		"step_index", entry.StepIndex,
		"error_code", entry.ErrorCode,
	)
	return entry, nil
}

// rollback cuts the file back to its last complete entry so a failed write
// never leaves a torn line under the next append.
func (a *appender) rollback() {
	if err := a.f.Truncate(a.size); err != nil {
		a.l.logger.Error("failed to truncate after write error", "file", a.file, "size", a.size, "error", err)
	}
}

// recoverHead returns the hash of the last complete entry in path, or the
// zero digest for a missing or empty file. A torn trailing line left by a
// crash is truncated so the next append starts on a line boundary.
func recoverHead(path string, lg *slog.Logger) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // fixed log set
	if err != nil {
		if os.IsNotExist(err) {
			return canonicalize.ZeroDigest, nil
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	complete := completeLength(data)
	if complete < len(data) {
		lg.Warn("truncating torn trailing line", "path", path, "bytes", len(data)-complete)
		if err := os.Truncate(path, int64(complete)); err != nil {
			return "", fmt.Errorf("failed to truncate %s: %w", path, err)
		}
	}
	entries, err := parseLines(data[:complete])
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return canonicalize.ZeroDigest, nil
	}
	return entries[len(entries)-1].Hash()
}
