package monitor

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/types"
)

// Matrix is the occupancy record: Cells[i][k] is true when the position at
// step k lies inside region Names[i].
type Matrix struct {
	Names []string
	Cells [][]bool
}

// Steps returns the number of sampled steps.
func (m Matrix) Steps() int {
	if len(m.Cells) == 0 {
		return 0
	}
	return len(m.Cells[0])
}

// Row returns the occupancy row of the named region.
func (m Matrix) Row(name string) ([]bool, bool) {
	for i, n := range m.Names {
		if n == name {
			return m.Cells[i], true
		}
	}
	return nil, false
}

// Occupancy tests every sampled position against every region, faces
// included. The synthesis tolerance plays no part: this is ground truth.
//
// Expectations:
//   - One row per region in display order, one column per state
//   - A point on a face counts as inside
//   - NaN positions are never inside
func Occupancy(tr types.Trajectory, regions *region.Set) Matrix {
	rs := regions.Regions()
	m := Matrix{Names: regions.Names(), Cells: make([][]bool, len(rs))}
	for i, r := range rs {
		row := make([]bool, len(tr.States))
		for k, s := range tr.States {
			row[k] = region.Contains(r, s.Position())
		}
		m.Cells[i] = row
	}
	return m
}

// Category classifies one occupancy row.
type Category int

const (
	NeverInside Category = iota
	SometimesInside
	AlwaysInside
)

func (c Category) String() string {
	switch c {
	case AlwaysInside:
		return "always inside"
	case SometimesInside:
		return "sometimes inside"
	}
	return "never inside"
}

// Summarize classifies each row as uniform ones, uniform zeros or mixed.
// An empty row is NeverInside.
func Summarize(m Matrix) []Category {
	out := make([]Category, len(m.Cells))
	for i, row := range m.Cells {
		ins := 0
		for _, v := range row {
			if v {
				ins++
			}
		}
		switch {
		case len(row) > 0 && ins == len(row):
			out[i] = AlwaysInside
		case ins > 0:
			out[i] = SometimesInside
		default:
			out[i] = NeverInside
		}
	}
	return out
}

// Describe renders the summary as the sentences handed to the automated
// checker, one line per region.
func Describe(m Matrix) string {
	var sb strings.Builder
	for i, c := range Summarize(m) {
		name := m.Names[i]
		switch c {
		case AlwaysInside:
			fmt.Fprintf(&sb, "The drone is inside the %s at all times.\n", name)
		case NeverInside:
			fmt.Fprintf(&sb, "The drone is outside the %s at all times.\n", name)
		default:
			fmt.Fprintf(&sb, "The drone passes through the %s at some point during the time window, but not at all times.\n", name)
		}
	}
	return sb.String()
}

// FirstEntry returns the first step inside row, or -1.
func FirstEntry(row []bool) int {
	for k, v := range row {
		if v {
			return k
		}
	}
	return -1
}

const (
	renderWidth = 60
	cellIn      = "█"
	cellMixed   = "▒"
	cellOut     = "·"
)

// Render draws a heat strip with one row per region. Long trajectories are
// bucketed into renderWidth columns; a column is full when every step in its
// bucket is inside, shaded when only some are.
func Render(w io.Writer, m Matrix) {
	steps := m.Steps()
	if steps == 0 {
		fmt.Fprintln(w, "(empty trajectory)")
		return
	}
	nameWidth := 0
	for _, n := range m.Names {
		nameWidth = max(nameWidth, runewidth.StringWidth(n))
	}
	bucket := (steps + renderWidth - 1) / renderWidth
	for i, row := range m.Cells {
		var sb strings.Builder
		sb.WriteString(runewidth.FillRight(m.Names[i], nameWidth))
		sb.WriteString(" │")
		for start := 0; start < steps; start += bucket {
			end := min(start+bucket, steps)
			ins := 0
			for _, v := range row[start:end] {
				if v {
					ins++
				}
			}
			switch {
			case ins == end-start:
				sb.WriteString(cellIn)
			case ins > 0:
				sb.WriteString(cellMixed)
			default:
				sb.WriteString(cellOut)
			}
		}
		sb.WriteString("│")
		fmt.Fprintln(w, sb.String())
	}
	fmt.Fprintf(w, "%s  %d steps, %d per column\n", strings.Repeat(" ", nameWidth), steps, bucket)
}
