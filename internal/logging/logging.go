// Package logging wraps go.uber.org/zap with the rate-limited repeat
// suppression the teacher's internal/debuglog used around a raw stderr
// writer, upgraded to leveled structured fields (node_id, swarm_id, peer,
// component) and an optional lumberjack rotating file sink.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where logs go and at what level, mirroring the
// --log-level and --data-dir flags of internal/config.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty disables the rotating file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

// Logger wraps *zap.SugaredLogger with fields bound at construction time and
// a rate limiter for high-frequency repeat messages (e.g. per-packet drops).
type Logger struct {
	*zap.SugaredLogger
	rlMu   sync.Mutex
	rlLast map[string]time.Time
	ring   *logRing
}

// defaultRingCapacity bounds /get_logs/v1's in-memory backlog (spec §6).
const defaultRingCapacity = 1000

func New(cfg Config, fields ...any) (*Logger, error) {
	level := parseLevel(cfg.Level)
	var cores []zapcore.Core

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Console || cfg.FilePath == "" {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level))
	}
	if cfg.FilePath != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 5),
			MaxAge:     nonZero(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		jsonEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(jsonEnc, zapcore.AddSync(sink), level))
	}

	ring := newLogRing(defaultRingCapacity)
	ringEnc := zapcore.NewConsoleEncoder(encCfg)
	cores = append(cores, &ringCore{LevelEnabler: level, enc: ringEnc, ring: ring})

	core := zapcore.NewTee(cores...)
	zl := zap.New(core).Sugar()
	if len(fields) > 0 {
		zl = zl.With(fields...)
	}
	return &Logger{SugaredLogger: zl, rlLast: make(map[string]time.Time), ring: ring}, nil
}

// RecentLines returns up to n of the most recently logged lines, oldest
// first, backing the Node Supervisor's RecentLogs()/"/get_logs/v1" (spec
// §6). It is a plain in-memory ring, not a tail of the rotated file sink,
// so it survives across log-file rotation within a single process.
func (l *Logger) RecentLines(n int) []string {
	if l.ring == nil {
		return nil
	}
	return l.ring.list(n)
}

// logRing is a fixed-capacity circular buffer of formatted log lines.
type logRing struct {
	mu   sync.Mutex
	cap  int
	buf  []string
	next int
	full bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{cap: capacity, buf: make([]string, capacity)}
}

func (r *logRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) list(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.next
	if r.full {
		total = r.cap
	}
	if n <= 0 || n > total {
		n = total
	}
	out := make([]string, 0, n)
	start := r.next - n
	if r.full {
		start = (r.next - n + r.cap) % r.cap
	} else if start < 0 {
		start = 0
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%r.cap])
	}
	return out
}

// ringCore is a zapcore.Core that formats every accepted entry through a
// console encoder and appends it to a logRing, in addition to whatever
// other cores (stderr, rotating file) are teed alongside it.
type ringCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	ring   *logRing
	fields []zapcore.Field
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	return &ringCore{LevelEnabler: c.LevelEnabler, enc: c.enc, ring: c.ring, fields: append(append([]zapcore.Field{}, c.fields...), fields...)}
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, append(append([]zapcore.Field{}, c.fields...), fields...))
	if err != nil {
		return err
	}
	line := buf.String()
	buf.Free()
	c.ring.add(line)
	return nil
}

func (c *ringCore) Sync() error { return nil }

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// With returns a child logger with additional structured fields bound,
// matching the teacher's "component"-scoped logger pattern.
func (l *Logger) With(fields ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(fields...), rlLast: l.rlLast, ring: l.ring}
}

// RateLimited logs at most once per interval for a given key, used for
// high-frequency events (duplicate drops, unreachable-peer noise) that would
// otherwise flood the log at line rate.
func (l *Logger) RateLimited(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		l.Infof(format, args...)
		return
	}
	now := time.Now()
	l.rlMu.Lock()
	last := l.rlLast[key]
	if now.Sub(last) < interval {
		l.rlMu.Unlock()
		return
	}
	l.rlLast[key] = now
	if len(l.rlLast) > 4096 {
		for k, ts := range l.rlLast {
			if now.Sub(ts) > 4*interval {
				delete(l.rlLast, k)
			}
		}
	}
	l.rlMu.Unlock()
	l.Infof(format, args...)
}

// Critical logs at error level with a "critical" marker immediately before a
// Fatal exit, matching spec.md §7's requirement that a critical log line
// always precedes process termination.
func (l *Logger) Critical(msg string, fields ...any) {
	l.Errorw(fmt.Sprintf("CRITICAL: %s", msg), fields...)
}
