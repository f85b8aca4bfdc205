package render

import "objcstubs/internal/stubs"

// Theme holds colors for report rendering.
type Theme struct {
	Background string
	TextColor  string
	Link       string
	Muted      string

	// Outcome colors.
	Renamed    string
	Planned    string
	Mismatch   string
	Unresolved string
	Rejected   string
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	TextColor:  "#1A1A1A",
	Link:       "#0B3D91",
	Muted:      "#9E9E9E",

	Renamed:    "#0B3D91", // NASA blue
	Planned:    "#00695C", // teal
	Mismatch:   "#9E9E9E", // gray
	Unresolved: "#FC3D21", // NASA red
	Rejected:   "#E65100", // deep orange
}

// OutcomeColor returns the color for o.
func (t Theme) OutcomeColor(o stubs.Outcome) string {
	switch o {
	case stubs.OutcomeRenamed:
		return t.Renamed
	case stubs.OutcomePlanned:
		return t.Planned
	case stubs.OutcomeUnresolved:
		return t.Unresolved
	case stubs.OutcomeRejected:
		return t.Rejected
	}
	return t.Mismatch
}
