// Package logging builds the *log.Logger instances the rest of the module
// takes. Output goes to the console and, optionally, to a size-rotated log
// file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Levels accepted by SetLevel.
const (
	// LevelInfo writes to the console and the log file.
	LevelInfo = "info"

	// LevelQuiet writes to the log file only.
	LevelQuiet = "quiet"
)

// Options holds sink configuration.
type Options struct {
	// File is the rotated log file path (default: none)
	File string

	// MaxSizeMB rotates the file at this size (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (default: 28)
	MaxAgeDays int

	// Level is the initial level (default: info)
	Level string

	// Console receives non-quiet output (default: os.Stderr)
	Console io.Writer
}

// Sink fans log output out to the console and the rotated file.
// It is safe for concurrent use.
type Sink struct {
	console io.Writer
	file    *lumberjack.Logger
	quiet   atomic.Bool

	mu sync.Mutex
}

// NewSink creates a sink. The caller should Close it to release the file.
func NewSink(opts *Options) (*Sink, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &Sink{console: opts.Console}
	if s.console == nil {
		s.console = os.Stderr
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		s.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
	}

	level := opts.Level
	if level == "" {
		level = LevelInfo
	}
	if err := s.SetLevel(level); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLevel switches the console level. It can be called while loggers are
// writing.
func (s *Sink) SetLevel(level string) error {
	switch level {
	case LevelInfo:
		s.quiet.Store(false)
	case LevelQuiet:
		s.quiet.Store(true)
	default:
		return fmt.Errorf("unknown log level %q (want %s or %s)", level, LevelInfo, LevelQuiet)
	}
	return nil
}

// Level returns the current level.
func (s *Sink) Level() string {
	if s.quiet.Load() {
		return LevelQuiet
	}
	return LevelInfo
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if _, err := s.file.Write(p); err != nil {
			return 0, err
		}
	}
	if !s.quiet.Load() {
		if _, err := s.console.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Logger returns a logger writing to the sink, e.g. Logger("store") prefixes
// lines with "[store] ".
func (s *Sink) Logger(name string) *log.Logger {
	return log.New(s, "["+name+"] ", log.LstdFlags)
}

// Rotate forces the log file to roll over.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Rotate()
}

// Close releases the log file.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
