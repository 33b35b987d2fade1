// Package logging builds the ceremony logger: readable warnings on the
// console and a rotated JSON audit file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file created under the log directory.
const FileName = "trust-provisioner.log"

type Config struct {
	// Dir holds the log file. Empty disables the file core.
	Dir string
	// Verbose lowers the console level to debug.
	Verbose bool
	// Console defaults to os.Stderr.
	Console io.Writer

	MaxSizeMB  int
	MaxBackups int
}

// New returns a logger tagged with a fresh session id, and a function that
// flushes and closes the file core.
func New(cfg Config) (*zap.Logger, func(), error) {
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	consoleLevel := zapcore.WarnLevel
	if cfg.Verbose {
		consoleLevel = zapcore.DebugLevel
	}

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	consoleEnc.EncodeCaller = nil
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.AddSync(console), consoleLevel),
	}

	closer := func() {}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, FileName),
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			LocalTime:  false,
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rotator), zapcore.DebugLevel))
		closer = func() { _ = rotator.Close() }
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("session", uuid.NewString()))
	return logger, func() {
		_ = logger.Sync()
		closer()
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
