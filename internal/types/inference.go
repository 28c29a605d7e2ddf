package types

// Mask is a per-pixel membership result for one candidate object at the
// working resolution. Pix holds one byte per pixel, row-major: 0 = outside,
// anything else = inside.
type Mask struct {
	Width  int
	Height int
	Pix    []byte
}

// Area returns the number of mask pixels that are set.
func (m Mask) Area() int {
	n := 0
	for _, p := range m.Pix {
		if p != 0 {
			n++
		}
	}
	return n
}

// NormalizedArea returns the mask area divided by the total pixel count.
func (m Mask) NormalizedArea() float64 {
	total := m.Width * m.Height
	if total == 0 {
		return 0
	}
	return float64(m.Area()) / float64(total)
}

// MaskResult pairs a candidate mask with the engine's confidence score.
type MaskResult struct {
	Mask  Mask
	Score float64
}

// MaskStat is the per-mask telemetry record.
type MaskStat struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
	Area  float64 `json:"area"`
}

// TelemetryReport summarizes one inference invocation for the reverse
// channel. MaskCount is 0 for pass-through ticks (auto mode, invalid
// prompt, or engine failure).
type TelemetryReport struct {
	MaskCount int        `json:"mask_count"`
	Masks     []MaskStat `json:"masks,omitempty"`
	Seq       uint64     `json:"seq"`
	Mode      string     `json:"mode"`
	Timestamp string     `json:"timestamp"`
}
