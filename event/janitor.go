package event

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

var notificationFileRe = regexp.MustCompile(`lanmonitor-(?P<timestamp>[0-9]{13})-[0-9]{3}-[0-9a-f-]{36}\.json$`)

// Janitor removes notification files once they are older than the cleanup delay.
type Janitor struct {
	logger  *slog.Logger
	pattern string
	delay   time.Duration
	now     func() time.Time
}

func NewJanitor(logger *slog.Logger, dir string, delaySec uint) (Janitor, error) {
	pattern := filepath.Join(dir, "lanmonitor-?????????????-???-*.json")
	if _, err := filepath.Glob(pattern); err != nil {
		return Janitor{}, err
	}
	if delaySec == 0 {
		return Janitor{}, fmt.Errorf("cleanup delay must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return Janitor{
		logger:  logger,
		pattern: pattern,
		delay:   time.Duration(delaySec) * time.Second,
		now:     time.Now,
	}, nil
}

// Start cleans up every delay until ctx is done.
func (j Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.delay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Cleanup()
			}
		}
	}()
}

// Cleanup removes expired files and returns how many were removed.
func (j Janitor) Cleanup() int {
	files, _ := filepath.Glob(j.pattern)
	boundaryTimestamp := j.now().Add(-j.delay).UnixMilli()

	removed := 0
	for _, file := range files {
		matches := notificationFileRe.FindStringSubmatch(file)
		if len(matches) == 0 {
			// file globbed but not matched by regex
			continue
		}

		timestamp, _ := strconv.ParseInt(matches[notificationFileRe.SubexpIndex("timestamp")], 10, 64)
		if timestamp > boundaryTimestamp {
			// file is too fresh
			continue
		}

		if err := os.Remove(file); err != nil {
			j.logger.Error("notification cleanup failed", slog.String("file", file), slog.Any("error", err))
			continue
		}
		removed++
	}
	return removed
}
