package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/Meander-Cloud/go-policyd/message"
)

var ErrMissingField = errors.New("missing required field")

const (
	hoursPerDay float64 = 24
)

var weekdayKeys = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

type ListEntry struct {
	Path     string
	ListType ListType
	Enabled  bool
}

// Configuration is the parsed policy document.
type Configuration struct {
	Lists           []ListEntry
	UpdateFrequency time.Duration

	BlacklistedApplications *AppList
	WhitelistedApplications *AppList

	BypassesPermitted int
	BypassDuration    time.Duration

	// indexed by time.Weekday
	TimeRestrictions [7]message.TimeWindow
}

type rawListEntry struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled"`
}

type rawTimeWindow struct {
	RestrictionsEnabled bool    `json:"restrictions_enabled"`
	OpenFrom            float64 `json:"open_from"`
	OpenUntil           float64 `json:"open_until"`
}

type rawConfiguration struct {
	ConfiguredLists         *[]rawListEntry          `json:"configured_lists"`
	UpdateFrequency         int64                    `json:"update_frequency"` // seconds
	BlacklistedApplications []string                 `json:"blacklisted_applications"`
	WhitelistedApplications []string                 `json:"whitelisted_applications"`
	BypassesPermitted       int                      `json:"bypasses_permitted"`
	BypassDuration          int64                    `json:"bypass_duration"` // seconds
	TimeRestrictions        map[string]rawTimeWindow `json:"time_restrictions"`
}

// ParseConfiguration parses the policy document. The update frequency is
// raised to floor; list entries with no path or an unknown type are dropped.
func ParseConfiguration(data []byte, floor time.Duration) (*Configuration, error) {
	var raw rawConfiguration
	err := json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration, err=%w", err)
	}

	if raw.ConfiguredLists == nil {
		return nil, fmt.Errorf("configured_lists: %w", ErrMissingField)
	}

	c := &Configuration{
		Lists:           make([]ListEntry, 0, len(*raw.ConfiguredLists)),
		UpdateFrequency: max(time.Duration(raw.UpdateFrequency)*time.Second, floor),

		BlacklistedApplications: NewAppList(raw.BlacklistedApplications),
		WhitelistedApplications: NewAppList(raw.WhitelistedApplications),

		BypassesPermitted: max(raw.BypassesPermitted, 0),
		BypassDuration:    max(time.Duration(raw.BypassDuration)*time.Second, 0),
	}

	for i, entry := range *raw.ConfiguredLists {
		p := strings.TrimSpace(entry.Path)
		if p == "" {
			log.Printf("configuration: list #%d has no path, dropped", i)
			continue
		}
		t, ok := ParseListType(entry.Type)
		if !ok {
			log.Printf("configuration: list %s has unknown type %q, dropped", p, entry.Type)
			continue
		}

		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}

		c.Lists = append(c.Lists, ListEntry{Path: p, ListType: t, Enabled: enabled})
	}

	for day, key := range weekdayKeys {
		w, found := raw.TimeRestrictions[key]
		c.TimeRestrictions[day] = normalizeWindow(w, found)
	}

	return c, nil
}

// a day without restrictions is fully open
func normalizeWindow(w rawTimeWindow, found bool) message.TimeWindow {
	if !found || !w.RestrictionsEnabled {
		return message.TimeWindow{RestrictionsEnabled: false, OpenFrom: 0, OpenUntil: hoursPerDay}
	}

	from := min(max(w.OpenFrom, 0), hoursPerDay)
	until := min(max(w.OpenUntil, 0), hoursPerDay)
	if until < from {
		until = from
	}

	return message.TimeWindow{RestrictionsEnabled: true, OpenFrom: from, OpenUntil: until}
}

// TimeRestrictionAt evaluates the weekday table at t in t's location.
func (c *Configuration) TimeRestrictionAt(t time.Time) message.TimeRestrictionState {
	w := c.TimeRestrictions[t.Weekday()]
	hour := float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600

	return message.TimeRestrictionState{
		Restricted: w.RestrictionsEnabled && (hour < w.OpenFrom || hour >= w.OpenUntil),
		Weekday:    int(t.Weekday()),
		OpenFrom:   w.OpenFrom,
		OpenUntil:  w.OpenUntil,
	}
}

// AppList matches executable paths against exact names and glob patterns.
// Glob entries are anchored under a leading "**/" so they match at any
// parent directory. Matching is case-insensitive and separator-agnostic.
type AppList struct {
	exact    map[string]struct{}
	patterns []string
	entries  []string // normalized, for reporting
}

func NewAppList(entries []string) *AppList {
	l := &AppList{
		exact:    make(map[string]struct{}),
		patterns: nil,
		entries:  nil,
	}

	for _, entry := range entries {
		e := normalizeAppPath(entry)
		if e == "" {
			continue
		}

		if !strings.ContainsAny(e, "*?[{") {
			l.exact[e] = struct{}{}
			l.entries = append(l.entries, e)
			continue
		}

		pattern := strings.TrimLeft(e, "/")
		if !strings.HasPrefix(pattern, "**/") {
			pattern = "**/" + pattern
		}
		if !doublestar.ValidatePattern(pattern) {
			log.Printf("configuration: invalid application pattern %q dropped", entry)
			continue
		}
		l.patterns = append(l.patterns, pattern)
		l.entries = append(l.entries, pattern)
	}

	return l
}

func normalizeAppPath(p string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"))
}

// Match reports whether the executable at p is listed, by full path, by
// file name, or by pattern.
func (l *AppList) Match(p string) bool {
	n := normalizeAppPath(p)
	if n == "" {
		return false
	}

	_, found := l.exact[n]
	if found {
		return true
	}
	_, found = l.exact[path.Base(n)]
	if found {
		return true
	}

	for _, pattern := range l.patterns {
		matched, _ := doublestar.Match(pattern, strings.TrimLeft(n, "/"))
		if matched {
			return true
		}
	}

	return false
}

func (l *AppList) Entries() []string {
	return append([]string(nil), l.entries...)
}

func (l *AppList) Len() int {
	return len(l.entries)
}
