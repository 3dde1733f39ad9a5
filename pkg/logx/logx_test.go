package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("visible", Site(7), Err(errors.New("boom")), Err(nil), Int("n", 2))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(lines), buf.String())
	}
	l := lines[0]
	if l["message"] != "visible" || l["comp"] != "test" || l["site"] != float64(7) || l["err"] != "boom" {
		t.Fatalf("line = %v", l)
	}
	if c, _ := l["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", l["caller"])
	}
	if log.Enabled(LevelDebug) || !log.Enabled(LevelWarn) {
		t.Fatal("Enabled disagrees with level")
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestSecretNeverLogsValue(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info")
	log.Info("a", Secret("token", "s3cret-value"))
	log.Info("b", Secret("token", "s3cret-value"))
	log.Info("c", Secret("token", ""))

	if strings.Contains(buf.String(), "s3cret") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	lines := decodeLines(t, buf.Bytes())
	if lines[0]["token"] != lines[1]["token"] {
		t.Fatalf("fingerprints differ: %v vs %v", lines[0]["token"], lines[1]["token"])
	}
	if lines[2]["token"] != "unset" {
		t.Fatalf("empty secret = %v", lines[2]["token"])
	}
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	var console bytes.Buffer
	svc.stdout = &console

	log.Info("dropped by level")
	log.Error("to file")

	svc.Apply(Config{Level: "debug", Console: true})
	log.Debug("to console")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 1 || lines[0]["message"] != "to file" {
		t.Fatalf("file lines = %v", lines)
	}
	if !strings.Contains(console.String(), "to console") {
		t.Fatalf("console = %q", console.String())
	}
	if got := svc.Config().Level; got != "debug" {
		t.Fatalf("Config().Level = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{"TRACE": LevelTrace, " warning ": LevelWarn, "error": LevelError, "bogus": LevelInfo, "": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
