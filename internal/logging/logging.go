// Package logging configures the standard logger.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/gsi-overlay/backend/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup points the standard logger at stderr and, when cfg.File is set, a
// rotating log file as well. The returned closer flushes the file.
func Setup(cfg config.LoggingConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}

// Redact shortens a token for log lines.
func Redact(token string) string {
	const keep = 6
	r := []rune(token)
	if len(r) <= keep {
		return token
	}
	return string(r[:keep]) + "…"
}
