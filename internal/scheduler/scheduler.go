// Package scheduler runs background housekeeping for a parknet server:
// journal retention and periodic journal statistics.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/journal"
)

const statsInterval = 24 * time.Hour

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg config.JournalConfig
	now func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg config.JournalConfig) *Scheduler {
	return &Scheduler{cfg: cfg, now: time.Now}
}

// Start runs every scheduled task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.cfg.Enabled && s.cfg.RetentionDays > 0 {
		go s.runJournalCleanerLoop(ctx)
	}
	if s.cfg.Enabled {
		go s.runStatsCollectionLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runJournalCleanerLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleep := nextRun.Sub(s.now())
		if sleep <= 0 {
			sleep = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleep).
			Msg("journal cleaner scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			s.RunJournalCleaner()
		}
	}
}

// RunJournalCleaner deletes journal files older than the retention window.
func (s *Scheduler) RunJournalCleaner() {
	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	log.Info().
		Str("directory", s.cfg.Directory).
		Int("retention_days", s.cfg.RetentionDays).
		Msg("running journal cleaner")

	count, freed, err := journal.Cleanup(s.cfg.Directory, retention, s.now())
	if err != nil {
		log.Warn().Err(err).Msg("journal cleaner encountered errors")
	}
	log.Info().
		Int("deleted_files", count).
		Str("freed_space", formatBytes(freed)).
		Msg("journal cleaner completed")
}

func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CollectStats()
		}
	}
}

// JournalStats summarizes the journal directory.
type JournalStats struct {
	Files int
	Bytes int64
}

// CollectStats measures and logs the journal's disk usage.
func (s *Scheduler) CollectStats() JournalStats {
	var st JournalStats
	filepath.Walk(s.cfg.Directory, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		st.Files++
		st.Bytes += info.Size()
		return nil
	})

	log.Info().
		Int("journal_files", st.Files).
		Str("journal_size", formatBytes(st.Bytes)).
		Msg("daily stats collected")
	return st
}

// nextCleanupTime returns the next occurrence of the configured cleanup
// time, 04:00 when unset or invalid.
func (s *Scheduler) nextCleanupTime() time.Time {
	hour, minute := 4, 0
	if t, err := time.Parse("15:04", s.cfg.CleanupTime); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
