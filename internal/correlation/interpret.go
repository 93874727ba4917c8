package correlation

import "math"

type band struct {
	min   float64
	label string
}

// Positive bands include their lower bound; negative bands exclude it, so
// -0.1 < c < 0.1 is "no meaningful" and c <= -0.9 falls through to the end.
var bands = []band{
	{0.9, "very strong positive correlation"},
	{0.7, "strong positive correlation"},
	{0.5, "moderate positive correlation"},
	{0.3, "weak positive correlation"},
	{0.1, "very weak positive correlation"},
}

var negativeBands = []band{
	{-0.1, "no meaningful correlation"},
	{-0.3, "very weak negative correlation"},
	{-0.5, "weak negative correlation"},
	{-0.7, "moderate negative correlation"},
	{-0.9, "strong negative correlation"},
}

// Interpret maps a correlation to its strength/direction label
func Interpret(c float64) string {
	if math.IsNaN(c) {
		return "no meaningful correlation"
	}
	for _, b := range bands {
		if c >= b.min {
			return b.label
		}
	}
	for _, b := range negativeBands {
		if c > b.min {
			return b.label
		}
	}
	return "very strong negative correlation"
}
