package capture

// ClosestSize picks the supported size nearest to desired: an exact match
// first, otherwise the smallest sum of width and height differences, larger
// area winning ties. An empty desired size selects the first supported size.
func ClosestSize(supported []Size, desired Size) Size {
	if len(supported) == 0 {
		return Size{}
	}
	if desired.Empty() {
		return supported[0]
	}

	best := Size{}
	bestDist := -1
	for _, s := range supported {
		if s.Empty() {
			continue
		}
		if s == desired {
			return s
		}
		d := abs(s.Width-desired.Width) + abs(s.Height-desired.Height)
		if bestDist < 0 || d < bestDist || (d == bestDist && s.Width*s.Height > best.Width*best.Height) {
			best, bestDist = s, d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
