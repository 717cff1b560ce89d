package chat

const (
	// minLinesForCheck is the minimum accumulated line count before the
	// repetition check runs at all.
	minLinesForCheck = 20

	// maxCycleLen is the longest repeating cycle the detector looks for.
	maxCycleLen = 5

	// DefaultMaxRepeats is the consecutive-repeat threshold when the caller
	// does not set one.
	DefaultMaxRepeats = 5
)

// CheckLineRepetition reports whether the tail of lines is stuck in a
// degenerate repeating cycle: for some cycle length 1..5, the last
// maxRepeats cycles are identical. Below 20 lines it never triggers, so
// legitimately short outputs are not flagged.
func CheckLineRepetition(lines []string, maxRepeats int) bool {
	if maxRepeats <= 0 {
		maxRepeats = DefaultMaxRepeats
	}
	if len(lines) < minLinesForCheck {
		return false
	}
	for cycle := 1; cycle <= maxCycleLen; cycle++ {
		window := maxRepeats * cycle
		if window > len(lines) {
			continue
		}
		periodic := true
		for i := len(lines) - window + cycle; i < len(lines); i++ {
			if lines[i] != lines[i-cycle] {
				periodic = false
				break
			}
		}
		if periodic {
			return true
		}
	}
	return false
}
