// Package overlay renders inference results onto RGB24 frames: translucent
// mask highlights, prompt point markers and box outlines. All functions
// return new buffers and never mutate their input frame.
package overlay

import (
	"github.com/care/segstream/internal/prompt"
	"github.com/care/segstream/internal/types"
)

// Color is an RGB triple.
type Color [3]byte

var (
	// ColorPositive marks foreground points and the point-mode highlight.
	ColorPositive = Color{0, 255, 0}
	// ColorNegative marks background points.
	ColorNegative = Color{255, 0, 0}
	// ColorBox is the box-mode highlight and outline color.
	ColorBox = Color{0, 255, 255}
)

const (
	pointRadius  = 8
	boxThickness = 2
)

// Placeholder returns a black frame at the given resolution. It is used
// only before the very first real frame has ever arrived.
func Placeholder(width, height int) types.Frame {
	return types.Frame{
		Width:  width,
		Height: height,
		Data:   make([]byte, width*height*3),
	}
}

// Composite blends a translucent highlight over the frame wherever the
// mask is set: out = in/2 + color/2, matching pixels only.
func Composite(frame types.Frame, mask types.Mask, color Color) types.Frame {
	out := frame.Clone()
	if mask.Width != frame.Width || mask.Height != frame.Height {
		return out
	}

	for i, m := range mask.Pix {
		if m == 0 {
			continue
		}
		o := i * 3
		out.Data[o] = out.Data[o]/2 + color[0]/2
		out.Data[o+1] = out.Data[o+1]/2 + color[1]/2
		out.Data[o+2] = out.Data[o+2]/2 + color[2]/2
	}
	return out
}

// DrawPoints draws a filled circle for each prompt point, color-coded by
// label polarity. The frame is mutated in place; callers pass a frame they
// own (typically the output of Composite).
func DrawPoints(frame *types.Frame, points []prompt.Point) {
	for _, p := range points {
		color := ColorPositive
		if p.Label == 0 {
			color = ColorNegative
		}
		fillCircle(frame, p.X, p.Y, pointRadius, color)
	}
}

// DrawBox draws the rectangle outline in place.
func DrawBox(frame *types.Frame, box prompt.Box) {
	for t := 0; t < boxThickness; t++ {
		drawRect(frame, box.X1+t, box.Y1+t, box.X2-t, box.Y2-t, ColorBox)
	}
}

func setPixel(frame *types.Frame, x, y int, c Color) {
	if x < 0 || y < 0 || x >= frame.Width || y >= frame.Height {
		return
	}
	o := (y*frame.Width + x) * 3
	frame.Data[o] = c[0]
	frame.Data[o+1] = c[1]
	frame.Data[o+2] = c[2]
}

func fillCircle(frame *types.Frame, cx, cy, r int, c Color) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				setPixel(frame, cx+dx, cy+dy, c)
			}
		}
	}
}

func drawRect(frame *types.Frame, x1, y1, x2, y2 int, c Color) {
	if x2 < x1 || y2 < y1 {
		return
	}
	for x := x1; x <= x2; x++ {
		setPixel(frame, x, y1, c)
		setPixel(frame, x, y2, c)
	}
	for y := y1; y <= y2; y++ {
		setPixel(frame, x1, y, c)
		setPixel(frame, x2, y, c)
	}
}
