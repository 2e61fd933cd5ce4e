package notification

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Level is the severity of a user-facing notice
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notifier surfaces short messages to the person using the client
type Notifier interface {
	Notify(level Level, message string)
}

// LogNotifier writes notices to a zerolog logger
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(level Level, message string) {
	if level == LevelError {
		n.logger.Error().Msg(message)
		return
	}
	n.logger.Info().Msg(message)
}

// WriterNotifier prints notices as plain lines, used by the interactive shell
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Notify(level Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prefix := "!"
	if level == LevelError {
		prefix = "x"
	}
	fmt.Fprintf(n.w, "[%s] %s\n", prefix, message)
}

// Notice is one recorded notification
type Notice struct {
	Level   Level
	Message string
}

// Recorder keeps every notice in memory, for tests
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Level: level, Message: message})
}

// Notices returns a copy of what was recorded so far
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Messages returns the recorded message texts
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Message)
	}
	return out
}
