package agent

import "math"

// Default risk thresholds, used whenever a configured pair is invalid.
const (
	DefaultWarningPercent  = 70.0
	DefaultCriticalPercent = 85.0
)

// Thresholds holds the warning/critical usage percentages. A pair is only
// valid when both values are finite, within [0, 100], and warning is
// strictly below critical.
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningPercent:  DefaultWarningPercent,
		CriticalPercent: DefaultCriticalPercent,
	}
}

func (t Thresholds) Valid() bool {
	for _, v := range []float64{t.WarningPercent, t.CriticalPercent} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
			return false
		}
	}
	return t.WarningPercent < t.CriticalPercent
}

// OrDefault returns the thresholds unchanged when valid, otherwise the
// defaults. Invalid pairs must not silently misclassify.
func (t Thresholds) OrDefault() Thresholds {
	if t.Valid() {
		return t
	}
	return DefaultThresholds()
}

// Classify maps a usage percentage onto a risk level.
func (t Thresholds) Classify(pct float64) Risk {
	switch {
	case pct >= t.CriticalPercent:
		return RiskCritical
	case pct >= t.WarningPercent:
		return RiskWarning
	default:
		return RiskNormal
	}
}
