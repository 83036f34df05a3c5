// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package debuglog provides the process-local diagnostic sink every
// component writes through. Instead of swapping a module-global print
// function at runtime (the approach in the original implementation this
// proxy is modeled on), a *Sink is constructed once at startup and passed
// down to every component that needs to log.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects where diagnostic output for this process goes.
type Mode int

const (
	// None disables the sink; nothing is written.
	None Mode = iota
	// ScriptDir writes debug-<pid>.log next to the running executable.
	ScriptDir
	// CWD writes debug-<pid>.log in the current working directory.
	CWD
	// Unique writes a CWD file tagged with a timestamp and listen port so
	// concurrent workers never collide on the same file.
	Unique
	// Stdout writes to the process's standard output.
	Stdout
)

// ParseMode maps the `log` config value (0..4) to a Mode.
func ParseMode(n int) (Mode, error) {
	switch n {
	case 0:
		return None, nil
	case 1:
		return ScriptDir, nil
	case 2:
		return CWD, nil
	case 3:
		return Unique, nil
	case 4:
		return Stdout, nil
	default:
		return None, fmt.Errorf("invalid debug sink mode %d", n)
	}
}

// Sink is the single place every component writes diagnostic lines
// through. It owns its own lock so callers never need to coordinate.
type Sink struct {
	mu     sync.Mutex
	mode   Mode
	file   *os.File
	Logger zerolog.Logger
}

// New creates the sink for this process. File creation happens exactly
// once, here, at startup.
func New(mode Mode, port int) (*Sink, error) {
	s := &Sink{mode: mode}

	var w io.Writer = io.Discard

	switch mode {
	case None:
		// no file, no writer beyond discard
	case Stdout:
		w = os.Stdout
	case ScriptDir, CWD, Unique:
		path, err := logPath(mode, port)
		if err != nil {
			return nil, fmt.Errorf("resolve debug log path: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open debug log %s: %w", path, err)
		}
		s.file = f
		w = f
	default:
		return nil, fmt.Errorf("unknown debug sink mode %d", mode)
	}

	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	if mode == None {
		s.Logger = zerolog.Nop()
	} else {
		s.Logger = zerolog.New(console).With().Timestamp().Logger()
	}

	return s, nil
}

func logPath(mode Mode, port int) (string, error) {
	name := fmt.Sprintf("debug-%d.log", os.Getpid())
	if mode == Unique {
		name = fmt.Sprintf("debug-%d-%d-%d.log", port, time.Now().Unix(), os.Getpid())
	}

	switch mode {
	case ScriptDir:
		exe, err := os.Executable()
		if err != nil {
			return "", err
		}
		return filepath.Join(filepath.Dir(exe), name), nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, name), nil
	}
}

// Print writes a single diagnostic line, mirroring the original
// implementation's dprint(line) contract used by every component.
func (s *Sink) Print(line string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Logger.Debug().Msg(line)
}

// Printf is a convenience formatter around Print.
func (s *Sink) Printf(format string, args ...any) {
	s.Print(fmt.Sprintf(format, args...))
}

// Panic records an uncaught panic's stack trace to the sink, independent
// of the configured mode, so operators always have a crash artifact even
// when logging is off (mirrors handle_exceptions in the original).
func (s *Sink) Panic(stack []byte) {
	path := filepath.Join(mustCWD(), fmt.Sprintf("debug-%d.log", os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s panic:\n%s\n", time.Now().Format(time.RFC3339), stack)
}

func mustCWD() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// Close releases the underlying file, if any.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}
