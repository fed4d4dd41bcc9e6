package heartbeat

import (
	"fmt"
	"regexp"
	"time"
)

// ActiveHoursConfig restricts heartbeat turns to a recurring daily window,
// so an agent isn't checked in on outside the hours its operator expects.
type ActiveHoursConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Start time in HH:MM format (e.g., "09:00").
	Start string `json:"start" yaml:"start"`

	// End time in HH:MM format (e.g., "17:00"). Use "24:00" for midnight.
	End string `json:"end" yaml:"end"`

	// Timezone for time calculations ("local", "user", or an IANA zone
	// name like "America/New_York").
	Timezone string `json:"timezone" yaml:"timezone"`

	// Days of week when active (0=Sunday, ..., 6=Saturday). Empty means
	// every day.
	Days []int `json:"days" yaml:"days"`
}

// DefaultActiveHoursConfig returns weekday business hours, disabled by
// default.
func DefaultActiveHoursConfig() *ActiveHoursConfig {
	return &ActiveHoursConfig{
		Enabled:  false,
		Start:    "09:00",
		End:      "17:00",
		Timezone: "local",
		Days:     []int{1, 2, 3, 4, 5},
	}
}

var timePattern = regexp.MustCompile(`^([01]\d|2[0-3]|24):([0-5]\d)$`)

// parseTime parses HH:MM and returns minutes since midnight.
func parseTime(s string, allow24 bool) (int, error) {
	if !timePattern.MatchString(s) {
		return 0, fmt.Errorf("invalid time format: %s (expected HH:MM)", s)
	}

	var hour, minute int
	_, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil {
		return 0, err
	}

	if hour == 24 {
		if !allow24 || minute != 0 {
			return 0, fmt.Errorf("24:00 is only valid for end time")
		}
		return 24 * 60, nil
	}

	return hour*60 + minute, nil
}

// resolveTimezone maps an ActiveHoursConfig.Timezone value to a location,
// falling back to userTz for the "user" sentinel.
func resolveTimezone(tz string, userTz string) (*time.Location, error) {
	switch tz {
	case "", "local":
		return time.Local, nil
	case "user":
		if userTz != "" {
			return time.LoadLocation(userTz)
		}
		return time.Local, nil
	case "utc", "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(tz)
	}
}

// IsActiveNow reports whether the current moment falls within the window.
func (c *ActiveHoursConfig) IsActiveNow(userTimezone string) (bool, error) {
	return c.IsActiveAt(time.Now(), userTimezone)
}

// IsActiveAt reports whether t falls within the window. A disabled
// config is always active.
func (c *ActiveHoursConfig) IsActiveAt(t time.Time, userTimezone string) (bool, error) {
	if !c.Enabled {
		return true, nil
	}

	loc, err := resolveTimezone(c.Timezone, userTimezone)
	if err != nil {
		return false, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	localTime := t.In(loc)

	if len(c.Days) > 0 {
		dayOK := false
		weekday := int(localTime.Weekday())
		for _, d := range c.Days {
			if d == weekday {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false, nil
		}
	}

	startMinutes, err := parseTime(c.Start, false)
	if err != nil {
		return false, fmt.Errorf("invalid start time: %w", err)
	}

	endMinutes, err := parseTime(c.End, true)
	if err != nil {
		return false, fmt.Errorf("invalid end time: %w", err)
	}

	currentMinutes := localTime.Hour()*60 + localTime.Minute()

	if startMinutes <= endMinutes {
		return currentMinutes >= startMinutes && currentMinutes < endMinutes, nil
	}

	// Overnight window, e.g. 22:00-06:00.
	return currentMinutes >= startMinutes || currentMinutes < endMinutes, nil
}
