// Package log provides structured logging for the linker using zap.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with linker-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
// Level defaults to warn unless debug is true or $GALAGO_LOG is "debug".
func Init(debug bool) {
	once.Do(func() {
		L = New(debug || os.Getenv("GALAGO_LOG") == "debug")
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// ObjectLoaded logs a completed segment-mapping pass for an object.
func (l *Logger) ObjectLoaded(name string, base, extentLen uint64, sessionID string) {
	l.Info("loaded",
		zap.String("obj", name),
		Ptr("base", base),
		Size(extentLen),
		zap.String("session", sessionID),
	)
}

// RelocApplied logs one applied relocation.
func (l *Logger) RelocApplied(obj string, op uint32, target uint64, symbol string) {
	l.Debug("reloc",
		zap.String("obj", obj),
		zap.Uint32("op", op),
		Ptr("target", target),
		zap.String("sym", symbol),
	)
}

// LazyBindResolved logs a lazy PLT slot resolution.
func (l *Logger) LazyBindResolved(obj string, index int, symbol string, addr uint64) {
	l.Debug("lazybind",
		zap.String("obj", obj),
		zap.Int("index", index),
		zap.String("sym", symbol),
		Ptr("addr", addr),
	)
}

// SymbolResolved logs a successful scope lookup.
func (l *Logger) SymbolResolved(name, owner string, addr uint64) {
	l.Debug("resolved",
		zap.String("sym", name),
		zap.String("owner", owner),
		Ptr("addr", addr),
	)
}

// InitRun logs an initializer invocation.
func (l *Logger) InitRun(obj, kind string, index int) {
	l.Debug("init",
		zap.String("obj", obj),
		zap.String("kind", kind),
		zap.Int("idx", index),
	)
}

// FiniRun logs a finalizer invocation.
func (l *Logger) FiniRun(obj, kind string, index int) {
	l.Debug("fini",
		zap.String("obj", obj),
		zap.String("kind", kind),
		zap.Int("idx", index),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// Hex formats a uint64 as a 0x-prefixed hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
