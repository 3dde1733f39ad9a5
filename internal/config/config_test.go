package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/crawlsched.db
  busy_timeout: 5s
scheduler:
  timezone: UTC
  demo: false
scheduling:
  active: true
  interval_url_collection: interval_2_minutes
  interval_post_crawl: interval_5_minutes
  run_count_post_crawl: 3
recrawling:
  active: false
  interval: interval_1_hour
deleting:
  active: true
  interval: interval_1_day
  max_posts_per_event: 50
executor:
  base_url: http://127.0.0.1:8080/hooks
  timeout: 30s
sites:
  - id: 1
    name: blog
    settings:
      active: "on"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Scheduling.RunCountPostCrawl != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Deleting.MaxPostsPerEvent != 50 || !cfg.Deleting.Active {
		t.Fatalf("deleting = %+v", cfg.Deleting)
	}
	if len(cfg.Sites) != 1 || cfg.Sites[0].Settings["active"] != "on" {
		t.Fatalf("sites = %+v", cfg.Sites)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	body := `{"storage": {"driver": "file", "path": "x"}, "telegram": {}}`
	if _, err := NewManager(writeFile(t, "config.json", body)).Parse(); err == nil {
		t.Fatal("expected error for unknown section")
	}
	body = `{"storage": {"driver": "file", "path": "x"}}{}`
	if _, err := NewManager(writeFile(t, "config.json", body)).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no driver", Config{}, "storage.driver"},
		{"file without path", Config{Storage: StorageConfig{Driver: "file"}}, "storage.path"},
		{"redis without addr", Config{Storage: StorageConfig{Driver: "redis"}}, "storage.redis.addr"},
		{"postgres without dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad duration", Config{Storage: StorageConfig{Driver: "file", Path: "x"}, Executor: ExecutorConfig{Timeout: "soon"}}, "executor.timeout"},
		{"dup site", Config{Storage: StorageConfig{Driver: "file", Path: "x"}, Sites: []SiteConfig{{ID: 1}, {ID: 1}}}, "duplicated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
	ok := Config{Storage: StorageConfig{Driver: "redis", Redis: RedisConfig{Addr: "localhost:6379"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate(valid) = %v", err)
	}
}

func TestEffectiveMaxRunCount(t *testing.T) {
	t.Parallel()
	if got := (SchedulerConfig{}).EffectiveMaxRunCount(); got != 1000 {
		t.Fatalf("default = %d", got)
	}
	if got := (SchedulerConfig{MaxRunCount: 50, Demo: true}).EffectiveMaxRunCount(); got != 2 {
		t.Fatalf("demo = %d", got)
	}
	if got := (SchedulerConfig{MaxRunCount: 50}).EffectiveMaxRunCount(); got != 50 {
		t.Fatalf("configured = %d", got)
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("Reload(unchanged) = %v, %v", published, err)
	}

	updated := strings.Replace(sampleYAML, "active: false", "active: true", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("Reload(changed) = %v, %v", published, err)
	}
	select {
	case cfg := <-ch:
		if !cfg.Recrawling.Active {
			t.Fatalf("recrawling = %+v", cfg.Recrawling)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestReloadRespectsValidator(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	_ = os.WriteFile(path, []byte(strings.Replace(sampleYAML, "level: debug", "level: info", 1)), 0o600)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config was committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Scheduling: SchedulingConfig{Active: true, IntervalPostCrawl: "interval_5_minutes"},
		Executor:   ExecutorConfig{BaseURL: "http://a", Token: "x"},
		Sites:      []SiteConfig{{ID: 1, Settings: map[string]string{"active": "on"}}, {ID: 2}},
	}
	newCfg := &Config{
		Scheduling: SchedulingConfig{Active: true, IntervalPostCrawl: "interval_10_minutes"},
		Executor:   ExecutorConfig{BaseURL: "http://a", Token: "y"},
		Sites:      []SiteConfig{{ID: 1, Settings: map[string]string{"active": ""}}, {ID: 2}, {ID: 3}},
	}
	changed, attrs, sites := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"executor", "scheduling", "sites"}; !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if want := []int64{1, 3}; !slices.Equal(sites, want) {
		t.Fatalf("sites = %v, want %v", sites, want)
	}
}

func TestParseExpandsEnvReferences(t *testing.T) {
	t.Setenv("CRAWLSCHED_TEST_TOKEN", "t0k$en")
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"storage":{"driver":"file","path":"s.json"},"executor":{"base_url":"http://x","token":"${CRAWLSCHED_TEST_TOKEN}"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Executor.Token != "t0k$en" {
		t.Fatalf("token = %q", cfg.Executor.Token)
	}

	body = strings.ReplaceAll(body, "CRAWLSCHED_TEST_TOKEN", "CRAWLSCHED_TEST_UNSET_VAR")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path).Parse(); err == nil || !strings.Contains(err.Error(), "CRAWLSCHED_TEST_UNSET_VAR") {
		t.Fatalf("Parse err = %v, want unset variable error", err)
	}
}

func TestParseReadsDotenvBesideConfig(t *testing.T) {
	t.Setenv("CRAWLSCHED_TEST_SHADOWED", "from-process")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: file\n  path: ${CRAWLSCHED_TEST_DOTENV_PATH}\n" +
		"executor:\n  base_url: http://x\n  token: ${CRAWLSCHED_TEST_SHADOWED}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	env := "CRAWLSCHED_TEST_DOTENV_PATH=./state.json\nCRAWLSCHED_TEST_SHADOWED=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Path != "./state.json" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.Executor.Token != "from-process" {
		t.Fatalf("token = %q, want process value to win", cfg.Executor.Token)
	}
	if _, ok := os.LookupEnv("CRAWLSCHED_TEST_DOTENV_PATH"); ok {
		t.Fatal("dotenv leaked into the process environment")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"90", 90 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-1s", 0, true},
		{"-5", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "0", time.Minute); d != time.Minute {
		t.Errorf("ParseDurationOrDefault(0) = %v, want 1m", d)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(level string) {
		body := "logging:\n  level: " + level + "\nstorage:\n  driver: file\n  path: s.json\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		// Rewrite until the watcher is up and picks the change.
		write("debug")
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatal("no reload published")
		case <-time.After(time.Second):
		}
	}
}
