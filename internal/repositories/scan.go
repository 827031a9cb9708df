package repositories

import (
	"fmt"
	"time"

	"bank-reconciliation/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Drivers hand DATE columns back either as the raw text or, with parseTime,
// as a time.Time that database/sql formats as RFC 3339.
var dateLayouts = []string{
	models.DateLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func formatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

func now() time.Time {
	return time.Now().UTC()
}
