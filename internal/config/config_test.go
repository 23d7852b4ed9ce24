package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  url: postgres://localhost/adwatch\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Browser.MaxContexts != 5 || cfg.Browser.MaxConcurrent != 3 {
		t.Fatalf("browser defaults = %+v", cfg.Browser)
	}
	if cfg.Analyzer.PHashThreshold != 5 {
		t.Fatalf("analyzer defaults = %+v", cfg.Analyzer)
	}
	if cfg.Scheduler.DefaultIntervalSeconds != 3600 {
		t.Fatalf("scheduler defaults = %+v", cfg.Scheduler)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  url: postgres://file/db\n")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("DATABASE_ECHO", "true")
	t.Setenv("SCRAPER_JOBS", `[{"name":"woom"}]`)
	t.Setenv("SCRAPER_INTERVAL_SECONDS", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://env/db" {
		t.Fatalf("url = %q", cfg.Database.URL)
	}
	if !cfg.Database.Echo {
		t.Fatal("echo should be enabled")
	}
	if cfg.Scheduler.JobsJSON != `[{"name":"woom"}]` {
		t.Fatalf("jobs json = %q", cfg.Scheduler.JobsJSON)
	}
	if cfg.Scheduler.DefaultIntervalSeconds != 120 {
		t.Fatalf("default interval = %d", cfg.Scheduler.DefaultIntervalSeconds)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error without a database url")
	}
}
