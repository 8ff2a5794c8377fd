package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// plotCurve draws one column per value, scaled to the min..max of values, as
// a vertical bar chart of the given height.
func plotCurve(w io.Writer, title string, values []float64, height int) {
	if len(values) == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	lo, hi := floats.Min(values), floats.Max(values)
	span := hi - lo
	fmt.Fprintf(w, "%s (%.4f .. %.4f)\n", title, lo, hi)
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		var sb strings.Builder
		for _, v := range values {
			level := 1.0
			if span > 0 {
				level = (v - lo) / span
			}
			if level >= threshold {
				sb.WriteString("█")
			} else {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintln(w, sb.String())
	}
	fmt.Fprintln(w, strings.Repeat("─", len(values)))
	var axis strings.Builder
	for i := range values {
		if i%5 == 0 {
			axis.WriteString(strconv.Itoa(i % 10))
		} else {
			axis.WriteByte(' ')
		}
	}
	fmt.Fprintln(w, axis.String())
}
