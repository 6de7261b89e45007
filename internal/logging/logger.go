// Package logging provides the leveled, peer-tagged logger shared by the
// registry node's components. Each component holds its own Logger carrying
// the local peer id, so interleaved output from several in-process nodes
// (common in tests, possible in embedding processes) stays attributable
// without every call site hand-rolling a prefix.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var currentLevel = LevelInfo

// Init reads SVCREG_LOG_LEVEL and configures the standard logger's flags.
// Call once at process start; the level defaults to info when the variable
// is unset or unrecognized.
func Init() {
	currentLevel = parseLevel(os.Getenv("SVCREG_LOG_LEVEL"))
	log.SetFlags(log.Ldate | log.Ltime)
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger tags every line with a component name (gossip, registry,
// antientropy, ...) and, once WithPeer has been called, the local peer id.
type Logger struct {
	peerID    string
	component string
}

// New returns a logger for one component of the node.
func New(component string) *Logger {
	return &Logger{component: component}
}

// WithPeer returns a copy of l whose lines carry peerID. The receiver is
// left untouched, so one component logger can fan out to several peers.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{peerID: peerID, component: l.component}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < currentLevel {
		return
	}
	tag := l.component
	if l.peerID != "" {
		tag = l.peerID + "/" + l.component
	}
	log.Printf("[%s] [%s] %s", levelNames[level], tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }
