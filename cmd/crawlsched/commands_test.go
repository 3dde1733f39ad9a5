package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const cliConfig = `
logging:
  level: error
storage:
  driver: file
  path: %DIR%/state.json
scheduling:
  active: true
  interval_url_collection: interval_5_minutes
  interval_post_crawl: interval_1_minute
executor:
  base_url: http://127.0.0.1:1
sites:
  - id: 1
    settings:
      active: "on"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(cliConfig, "%DIR%", dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "validate", "--config", writeConfig(t))
	if err != nil {
		t.Fatalf("validate: %v (%s)", err, out)
	}
	if !strings.Contains(out, "config ok: 1 site(s), storage=file") {
		t.Fatalf("output = %q", out)
	}

	if _, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestReconcileCommandPrintsTimers(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "reconcile", "-c", writeConfig(t))
	if err != nil {
		t.Fatalf("reconcile: %v (%s)", err, out)
	}
	for _, want := range []string{`"collect_urls"`, `"crawl_post"`, `"interval_5_minutes"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %s:\n%s", want, out)
		}
	}
}

func TestRunCommandRejectsUnknownEvent(t *testing.T) {
	t.Parallel()
	if _, err := execute(t, "run", "rebuild_index", "-c", writeConfig(t)); err == nil {
		t.Fatal("expected error for unknown event")
	}
	if _, err := execute(t, "run"); err == nil {
		t.Fatal("expected error without an event argument")
	}
}
