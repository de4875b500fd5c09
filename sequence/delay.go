package sequence

import (
	"fmt"
	"strings"
	"time"

	"sequenceflow/models"
)

// MaxDelay is the longest gap allowed between two steps.
const MaxDelay = 10 * 365 * 24 * time.Hour

// NormalizeDelayUnit maps accepted aliases onto the canonical units.
func NormalizeDelayUnit(unit models.DelayUnit) (models.DelayUnit, error) {
	switch strings.ToLower(strings.TrimSpace(string(unit))) {
	case "minute", "minutes", "min":
		return models.DelayMinutes, nil
	case "hour", "hours", "hr":
		return models.DelayHours, nil
	case "day", "days":
		return models.DelayDays, nil
	}
	return "", fmt.Errorf("unknown delay unit %q", unit)
}

// DelayDuration converts a step delay to a duration. Zero is valid and means
// the step is due on the next dispatch pass.
func DelayDuration(amount int, unit models.DelayUnit) (time.Duration, error) {
	if amount < 0 {
		return 0, fmt.Errorf("delay amount must not be negative, got %d", amount)
	}
	canonical, err := NormalizeDelayUnit(unit)
	if err != nil {
		return 0, err
	}
	per := 24 * time.Hour
	switch canonical {
	case models.DelayMinutes:
		per = time.Minute
	case models.DelayHours:
		per = time.Hour
	}
	// compare before multiplying so large amounts cannot wrap negative
	if int64(amount) > int64(MaxDelay/per) {
		return 0, fmt.Errorf("delay of %d %s exceeds the maximum of %s", amount, canonical, MaxDelay)
	}
	return time.Duration(amount) * per, nil
}
