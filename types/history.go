package types

// CapHistory clamps an accumulated history count so that it never exceeds
// capRatio times the current frame's count. A zero current count leaves the
// history untouched; a non-positive ratio discards it.
func CapHistory(history, current, capRatio float32) float32 {
	if capRatio <= 0 {
		return 0
	}
	if current <= 0 {
		return history
	}
	if limit := capRatio * current; history > limit {
		return limit
	}
	return history
}

// HistoryBlend returns the weight of the historical estimate when it is
// combined with the current one, h / (h + c).
func HistoryBlend(history, current float32) float32 {
	if history+current <= 0 {
		return 0
	}
	return history / (history + current)
}
