package logic

import (
	"math"
	"time"
)

// DutyCeiling is the fraction of the PWM range a cell may ever be driven at.
// Driving a single cell above it overheats the electrodes.
const DutyCeiling = 0.8

// DefaultPWMRange is used when the port cannot report a range.
const DefaultPWMRange = 255

// DateLayout is the persisted format of the active cell start date.
const DateLayout = "2006-01-02"

// ClampOutput limits a requested chlorination level to [0,100] and rounds it
// to a whole percent. NaN is treated as 0.
func ClampOutput(raw float64) int {
	if math.IsNaN(raw) {
		return 0
	}
	v := math.Round(raw)
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}

// DutyCycle converts an output percent into a PWM duty cycle for the given
// hardware range: round(min(max, max*value/100)) with max = range*0.8.
func DutyCycle(value, pwmRange int) int {
	if pwmRange <= 0 {
		pwmRange = DefaultPWMRange
	}
	max := float64(pwmRange) * DutyCeiling
	d := math.Min(max, math.Max(0, max*(float64(value)/100.0)))
	return int(math.Round(d))
}

// EffectiveOutput is the output that may reach the cell for a pump state.
// The cell is never energized without circulation.
func EffectiveOutput(commanded int, pump SwitchState) int {
	if pump != SwitchOn {
		return 0
	}
	return commanded
}

// OtherCell returns the cell that is not active. Anything but 2 is cell 1.
func OtherCell(active int) int {
	if active == 2 {
		return 1
	}
	return 2
}

// NormalizeCell maps any stored value onto cell 1 or 2.
func NormalizeCell(cell int) int {
	if cell == 2 {
		return 2
	}
	return 1
}

// ShouldAlternate reports whether the active cell has run its descale cycle:
// today >= start + cycleDays, compared as calendar dates.
func ShouldAlternate(start, today time.Time, cycleDays int) bool {
	s := calendarDate(start)
	due := s.AddDate(0, 0, cycleDays)
	return !calendarDate(today).Before(due)
}

// ParseDate parses a persisted start date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FormatDate formats a calendar date for persistence.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
