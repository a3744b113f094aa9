package logic

import (
	"reflect"
	"sort"
	"strconv"
)

// Data point indices reported by the pump's smart switch.
const (
	DPSSwitch  = 1
	DPSCurrent = 18 // mA
	DPSPower   = 19 // 0.1 W
	DPSVoltage = 20 // 0.1 V
)

// Fixed divisors turning raw data point readings into engineering units.
const (
	CurrentDivisor = 1.0
	PowerDivisor   = 10000.0 // raw -> kW
	VoltageDivisor = 10.0
)

// DPS is a sparse index -> raw value mapping.
type DPS map[int]any

// ParseDPS converts the wire form (string keys) into a DPS. Keys that are not
// integers are dropped.
func ParseDPS(raw map[string]any) DPS {
	out := make(DPS, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[idx] = v
	}
	return out
}

// Changed returns, in ascending order, the indices of incoming whose value
// differs from the value last seen at that index.
func Changed(last, incoming DPS) []int {
	var idx []int
	for i, v := range incoming {
		if prev, ok := last[i]; ok && equalValue(prev, v) {
			continue
		}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// ScaleDPS converts a raw telemetry reading to its unit. ok is false for
// unknown indices or non-numeric values.
func ScaleDPS(index int, raw any) (float64, bool) {
	f, ok := toFloat(raw)
	if !ok {
		return 0, false
	}
	switch index {
	case DPSCurrent:
		return f / CurrentDivisor, true
	case DPSPower:
		return f / PowerDivisor, true
	case DPSVoltage:
		return f / VoltageDivisor, true
	}
	return 0, false
}

// SwitchFromDPS reads the switch flag. ok is false if the value is not a bool.
func SwitchFromDPS(raw any) (SwitchState, bool) {
	b, ok := raw.(bool)
	if !ok {
		return "", false
	}
	return SwitchFromBool(b), true
}

// FormatDPS renders a scaled reading as the wire string for its index.
func FormatDPS(index int, v float64) string {
	switch index {
	case DPSPower:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case DPSVoltage:
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', 0, 64)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func equalValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}
