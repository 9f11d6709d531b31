package compositor

// Output is the host display. One per session.
type Output struct {
	Width   int
	Height  int
	Scale   float64
	// RefreshMHz is the vertical refresh in millihertz, as reported to
	// clients. The host's vsync callback is the actual cadence.
	RefreshMHz int
}

func newOutput(width, height int, scale float64) *Output {
	return &Output{Width: width, Height: height, Scale: scale, RefreshMHz: 60000}
}

func (o *Output) resize(width, height int, scale float64) {
	o.Width, o.Height = width, height
	if scale > 0 {
		o.Scale = scale
	}
}
