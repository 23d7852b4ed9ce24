package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"adwatch/internal/store"
)

// minIntervalSeconds is the floor for job intervals.
const minIntervalSeconds = 60

type bootstrapEntry struct {
	Name            string  `json:"name"`
	Query           *string `json:"query"`
	Location        *string `json:"location"`
	Radius          *int    `json:"radius"`
	MinPrice        *int    `json:"min_price"`
	MaxPrice        *int    `json:"max_price"`
	PageCount       *int    `json:"page_count"`
	IntervalSeconds *int    `json:"interval_seconds"`
	Interval        *int    `json:"interval"`
	IsActive        *bool   `json:"is_active"`
}

// ParseBootstrapJobs decodes the JSON array from the environment into job
// rows. Invalid entries are skipped with a log line; an entry without an
// interval gets defaultInterval.
func ParseBootstrapJobs(raw string, defaultInterval int, logger *zap.Logger) ([]store.ScheduledJob, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if defaultInterval < 1 {
		defaultInterval = 3600
	}

	var entries []bootstrapEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse bootstrap jobs: %w", err)
	}

	var jobs []store.ScheduledJob
	for i, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			logger.Warn("bootstrap job skipped, missing name", zap.Int("index", i))
			continue
		}

		interval := defaultInterval
		if e.IntervalSeconds != nil {
			interval = *e.IntervalSeconds
		} else if e.Interval != nil {
			interval = *e.Interval
		}
		if interval < minIntervalSeconds {
			logger.Warn("bootstrap job skipped, interval below minimum",
				zap.String("name", e.Name), zap.Int("interval_seconds", interval))
			continue
		}

		pageCount := 1
		if e.PageCount != nil {
			pageCount = *e.PageCount
		}
		if pageCount < 1 {
			logger.Warn("bootstrap job skipped, page_count below 1",
				zap.String("name", e.Name), zap.Int("page_count", pageCount))
			continue
		}

		active := true
		if e.IsActive != nil {
			active = *e.IsActive
		}

		jobs = append(jobs, store.ScheduledJob{
			Name:            strings.TrimSpace(e.Name),
			Query:           e.Query,
			Location:        e.Location,
			RadiusKm:        e.Radius,
			MinPrice:        e.MinPrice,
			MaxPrice:        e.MaxPrice,
			PageCount:       pageCount,
			IntervalSeconds: interval,
			IsActive:        active,
		})
	}
	return jobs, nil
}
