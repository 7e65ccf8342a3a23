package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileName is the log file written inside the workspace logs directory.
const FileName = "conductor.log"

// Options controls where log lines go besides the log file.
type Options struct {
	// Console receives human readable lines when non-nil (usually stderr).
	Console io.Writer
	// ConsoleLevel filters console output; the file always records debug.
	ConsoleLevel zapcore.Level
}

// Logger appends JSON lines to <workspace>/logs/conductor.log so runs can be
// inspected after the terminal closes.
type Logger struct {
	*zap.Logger
	file *os.File
}

// New creates (or reuses) the log file under logDir.
func New(logDir string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder("json"), zapcore.AddSync(f), zap.DebugLevel),
	}
	if opts.Console != nil {
		cores = append(cores, zapcore.NewCore(newEncoder("console"), zapcore.AddSync(opts.Console), opts.ConsoleLevel))
	}
	return &Logger{Logger: zap.New(zapcore.NewTee(cores...)), file: f}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Close flushes and releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.Logger.Sync()
	return l.file.Close()
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
