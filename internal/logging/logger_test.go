package logging

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func setLevel(t *testing.T, level Level) {
	t.Helper()
	prev := currentLevel
	currentLevel = level
	t.Cleanup(func() { currentLevel = prev })
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":     LevelDebug,
		"WARN":      LevelWarn,
		"error":     LevelError,
		"info":      LevelInfo,
		"":          LevelInfo,
		"verbosest": LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerTagsPeerAndComponent(t *testing.T) {
	buf := captureOutput(t)
	setLevel(t, LevelDebug)

	New("gossip").WithPeer("p1").Info("added peer %s", "p2:7002")

	if !strings.Contains(buf.String(), "[INFO] [p1/gossip] added peer p2:7002") {
		t.Fatalf("unexpected log line: %q", buf.String())
	}
}

func TestLoggerWithoutPeerUsesBareComponent(t *testing.T) {
	buf := captureOutput(t)
	setLevel(t, LevelDebug)

	New("introspect").Warn("encode failed")

	if !strings.Contains(buf.String(), "[WARN] [introspect] encode failed") {
		t.Fatalf("unexpected log line: %q", buf.String())
	}
}

func TestLevelGateSuppressesLowerLevels(t *testing.T) {
	buf := captureOutput(t)
	setLevel(t, LevelWarn)

	l := New("registry").WithPeer("p1")
	l.Debug("suppressed")
	l.Info("suppressed")
	l.Error("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("expected lines below warn suppressed, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] [p1/registry] kept") {
		t.Fatalf("expected error line kept, got %q", out)
	}
}

func TestWithPeerDoesNotMutateReceiver(t *testing.T) {
	base := New("gossip")
	_ = base.WithPeer("p1")
	if base.peerID != "" {
		t.Fatal("WithPeer must not mutate the receiver")
	}
}
