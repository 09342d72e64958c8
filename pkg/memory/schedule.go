package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule returns the refresh schedule. An empty expression means a fixed
// interval; otherwise expr is a five-field cron expression or a descriptor such
// as "@every 30s" or "@hourly".
func ParseSchedule(expr string, interval time.Duration) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		if interval <= 0 {
			return nil, fmt.Errorf("refresh interval must be positive, got %s", interval)
		}
		return cron.Every(interval), nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule: %w", err)
	}
	return sched, nil
}
