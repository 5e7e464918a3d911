// Package logging adapts the standard library's slog to the orchestrator's
// Logger interface, the same "accept an interface, provide one concrete
// adapter" shape the teacher uses for its providers.
package logging

import (
	"log/slog"
	"os"

	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
)

// SlogLogger implements orchestrator.Logger on top of log/slog.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlog builds a SlogLogger writing structured JSON lines to stderr.
func NewSlog() *SlogLogger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &SlogLogger{l: slog.New(h)}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

var _ orchestrator.Logger = (*SlogLogger)(nil)
