// Package eventlog writes the research and debugging artifacts that sit
// beside the session streams: per-connection study logs, legacy flat logs,
// and reducer crash traces.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// GuestUser names log files for connections without an established
// identity.
const GuestUser = "GUEST"

// sessionCounter orders log files opened by this process.
var sessionCounter atomic.Uint64

func nextSessionOrdinal() uint64 {
	return sessionCounter.Add(1)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Config locates and switches the log artifacts.
type Config struct {
	// Dir is the directory receiving all log files.
	Dir string `yaml:"dir"`

	// StudyLogs enables the per-connection research logs.
	StudyLogs bool `yaml:"study_logs"`
}

// StudyLog is a per-connection JSONL research log. The file opens lazily on
// the first write, so its name carries the identity known at that moment
// (GUEST when authentication has not resolved yet).
type StudyLog struct {
	dir      string
	identity func() string

	mu     sync.Mutex
	file   *os.File
	shut   bool
	closed sync.Once
	err    error
}

// NewStudyLog prepares a study log in dir. identity returns the current
// safe user id, or "" before authentication.
func NewStudyLog(dir string, identity func() string) *StudyLog {
	return &StudyLog{dir: dir, identity: identity}
}

// Write appends one composed event as a JSON line, opening the file on
// first use.
func (l *StudyLog) Write(event any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.shut {
		return fmt.Errorf("study log is closed")
	}
	if l.file == nil {
		user := l.identity()
		if user == "" {
			user = GuestUser
		}
		name := fmt.Sprintf("%s-%010d-%s-%d.study",
			timestamp(), nextSessionOrdinal(), user, os.Getpid())
		file, err := os.OpenFile(filepath.Join(l.dir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.err = fmt.Errorf("open study log: %w", err)
			return l.err
		}
		l.file = file
	}
	return writeLine(l.file, event)
}

// Close closes the log. Safe to call more than once; a log that never saw
// a write never opened a file.
func (l *StudyLog) Close() error {
	var err error
	l.closed.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.shut = true
		if l.file != nil {
			err = l.file.Close()
			l.file = nil
		}
	})
	return err
}

// MainLog is the process-wide event log: every composed event from every
// connection, one JSON line each, in a single append-only file.
type MainLog struct {
	mu     sync.Mutex
	file   *os.File
	closed sync.Once
}

// OpenMainLog opens (or continues) events.log in dir.
func OpenMainLog(dir string) (*MainLog, error) {
	file, err := os.OpenFile(filepath.Join(dir, "events.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open main event log: %w", err)
	}
	return &MainLog{file: file}, nil
}

// Write appends one event as a JSON line.
func (l *MainLog) Write(event any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("main event log is closed")
	}
	return writeLine(l.file, event)
}

// Close closes the log once; later calls are no-ops.
func (l *MainLog) Close() error {
	var err error
	l.closed.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		err = l.file.Close()
		l.file = nil
	})
	return err
}

// padIP left-justifies an address to the legacy log's fixed-width field,
// filling with dashes.
func padIP(ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	if len(ip) < 15 {
		ip += strings.Repeat("-", 15-len(ip))
	}
	return ip
}

// FlatLog is the legacy per-connection event log: every decoded event as
// one JSON line in a file named after the connection's addresses and
// ordinal. Used when no session store is configured.
type FlatLog struct {
	mu     sync.Mutex
	file   *os.File
	closed sync.Once
}

// NewFlatLog opens the legacy log eagerly; the connection's addresses are
// known at accept time.
func NewFlatLog(dir, remoteIP, forwardedIP string) (*FlatLog, error) {
	name := fmt.Sprintf("%s-%s-%s-%010d-%d",
		timestamp(), padIP(remoteIP), padIP(forwardedIP), nextSessionOrdinal(), os.Getpid())
	file, err := os.OpenFile(filepath.Join(dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flat log: %w", err)
	}
	return &FlatLog{file: file}, nil
}

// Write appends one event as a JSON line.
func (l *FlatLog) Write(event any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("flat log is closed")
	}
	return writeLine(l.file, event)
}

// Close closes the log once; later calls are no-ops.
func (l *FlatLog) Close() error {
	var err error
	l.closed.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		err = l.file.Close()
		l.file = nil
	})
	return err
}

func writeLine(file *os.File, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode log event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}
	return nil
}

// WriteCrashTrace captures a reducer failure: the offending event as
// indented JSON followed by the stack trace, in a uniquely named .tb file.
// Returns the file path.
func WriteCrashTrace(dir string, event any, stack []byte) (string, error) {
	name := fmt.Sprintf("critical-error-%s-%x.tb", timestamp(), uuid.New())
	path := filepath.Join(dir, name)

	pretty, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprintf("event not encodable: %v", err))
	}

	var b strings.Builder
	b.Write(pretty)
	b.WriteString("\n\n")
	b.Write(stack)
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write crash trace: %w", err)
	}
	return path, nil
}
