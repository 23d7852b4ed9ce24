// Package config loads the YAML configuration file and overlays the
// environment variables the deployment sets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Database struct {
	URL  string `yaml:"url"`
	Echo bool   `yaml:"echo"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

type Browser struct {
	ControlURL    string `yaml:"control_url"`
	MaxContexts   int    `yaml:"max_contexts"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type Scraper struct {
	RetryCount       int `yaml:"retry_count"`
	MaxDetailWorkers int `yaml:"max_detail_workers"`
}

type Scheduler struct {
	// JobsJSON is the bootstrap job array, normally injected through
	// SCRAPER_JOBS.
	JobsJSON               string `yaml:"jobs_json"`
	DefaultIntervalSeconds int    `yaml:"default_interval_seconds"`
}

type Analyzer struct {
	QueueSize           int `yaml:"queue_size"`
	PHashThreshold      int `yaml:"phash_threshold"`
	ParallelDownloads   int `yaml:"parallel_downloads"`
	MaxImageBytes       int `yaml:"max_image_bytes"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
}

type Geo struct {
	PostalCodesPath string `yaml:"postal_codes_path"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Browser   Browser   `yaml:"browser"`
	Scraper   Scraper   `yaml:"scraper"`
	Scheduler Scheduler `yaml:"scheduler"`
	Analyzer  Analyzer  `yaml:"analyzer"`
	Geo       Geo       `yaml:"geo"`
	Logging   Logging   `yaml:"logging"`
}

func defaults() Config {
	return Config{
		Server:   Server{Host: "0.0.0.0", Port: 8080},
		Database: Database{MaxOpenConns: 10, MaxIdleConns: 5},
		Browser:  Browser{MaxContexts: 5, MaxConcurrent: 3},
		Scraper:  Scraper{RetryCount: 2, MaxDetailWorkers: 5},
		Scheduler: Scheduler{
			DefaultIntervalSeconds: 3600,
		},
		Analyzer: Analyzer{
			QueueSize:           100,
			PHashThreshold:      5,
			ParallelDownloads:   3,
			MaxImageBytes:       10 * 1024 * 1024,
			FetchTimeoutSeconds: 15,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("database url is required (set database.url or DATABASE_URL)")
	}
	if cfg.Scheduler.DefaultIntervalSeconds < 1 {
		cfg.Scheduler.DefaultIntervalSeconds = 3600
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_ECHO"); v != "" {
		cfg.Database.Echo = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SCRAPER_JOBS"); v != "" {
		cfg.Scheduler.JobsJSON = v
	}
	if v := os.Getenv("SCRAPER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Scheduler.DefaultIntervalSeconds = n
		}
	}
}
