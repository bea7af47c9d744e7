package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/worksite/internal/apperr"
)

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseOptionalLocation resolves an IANA zone name. Empty means the
// server default.
func parseOptionalLocation(value string) (*time.Location, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, apperr.Validation("tz", "invalid_timezone", "unknown time zone")
	}
	return loc, nil
}
