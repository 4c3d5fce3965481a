// Package activity derives a three-state health classification from an
// account's recent balance history.
//
// The history is a sliding window of booleans, each meaning "did the total
// balance increase on this sample". Classification is a pure function of the
// window contents: any gain anywhere in the window keeps the account Running,
// so a single old gain forgives prior inactivity until it is evicted.
package activity

// Class is the derived health classification of an account.
type Class int

const (
	Running Class = iota
	Warning
	Inactive
)

func (c Class) String() string {
	switch c {
	case Running:
		return "running"
	case Warning:
		return "warning"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseClass maps a classification name back to its Class. Unknown names
// fall back to Running.
func ParseClass(s string) Class {
	switch s {
	case "warning":
		return Warning
	case "inactive":
		return Inactive
	default:
		return Running
	}
}

// Thresholds control window size and classification cut-offs.
type Thresholds struct {
	// WindowSize is the max balance-history length (default 10).
	WindowSize int
	// WarnAfter is the no-gain streak that degrades to Warning (default 5).
	WarnAfter int
	// InactiveAfter is the no-gain streak that degrades to Inactive
	// (default 10, clamped to WindowSize).
	InactiveAfter int
}

// DefaultThresholds returns the standard window tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{WindowSize: 10, WarnAfter: 5, InactiveAfter: 10}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.WindowSize <= 0 {
		t.WindowSize = d.WindowSize
	}
	if t.WarnAfter <= 0 {
		t.WarnAfter = d.WarnAfter
	}
	if t.InactiveAfter <= 0 {
		t.InactiveAfter = d.InactiveAfter
	}
	if t.InactiveAfter > t.WindowSize {
		t.InactiveAfter = t.WindowSize
	}
	return t
}

// Fold applies one telemetry sample to the balance history and returns the
// new history. A gain resets the window to a single true entry: any gain
// forgives all prior inactivity. Otherwise false is appended and the oldest
// entry is evicted past the window size.
func Fold(history []bool, increased bool, t Thresholds) []bool {
	t = t.withDefaults()
	if increased {
		return []bool{true}
	}
	out := make([]bool, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, false)
	if len(out) > t.WindowSize {
		out = out[len(out)-t.WindowSize:]
	}
	return out
}

// Classify derives the classification from the balance history.
// Order matters: a gain anywhere in the window dominates the length
// thresholds.
func Classify(history []bool, t Thresholds) Class {
	t = t.withDefaults()
	for _, gained := range history {
		if gained {
			return Running
		}
	}
	switch {
	case len(history) >= t.InactiveAfter:
		return Inactive
	case len(history) >= t.WarnAfter:
		return Warning
	default:
		// Too few samples to judge.
		return Running
	}
}
