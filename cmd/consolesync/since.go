package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts a duration ("90m"), an RFC 3339 time or a natural
// language expression ("2 hours ago", "yesterday") relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d.Abs()), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	result, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return result.Time, nil
}
