// Package topology checks the connection structure federates declare
// during their handshakes.
//
// Nothing here changes how grants are computed; the coordinator handles
// cycles on its own. The report exists so an operator can see, once every
// federate has connected, which loops the federation contains and whether
// the two ends of each connection agree about it.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
)

// Edge is a connection from one federate to another.
type Edge struct {
	From uint16
	To   uint16
}

func (e Edge) String() string { return fmt.Sprintf("%d->%d", e.From, e.To) }

// Report summarizes a federation's structure.
type Report struct {
	// Cycles lists every elementary cycle, each starting at its lowest id.
	Cycles [][]uint16
	// ZeroDelayCycles are the cycles in which no edge carries a positive
	// delay. Federates on them can only make progress through PTAG.
	ZeroDelayCycles [][]uint16
	// SelfLoops are federates that declare themselves as upstream.
	SelfLoops []uint16
	// UpstreamOnly are edges the receiver declares but the sender does not
	// list downstream.
	UpstreamOnly []Edge
	// DownstreamOnly are edges the sender declares but the receiver does
	// not list upstream.
	DownstreamOnly []Edge
}

// Consistent reports whether both ends agree on every edge.
func (r Report) Consistent() bool {
	return len(r.UpstreamOnly) == 0 && len(r.DownstreamOnly) == 0
}

// Analyze builds the connection graph from the upstream declarations and
// cross-checks it against the downstream ones.
func Analyze(feds []*model.Federate) Report {
	var r Report
	g := simple.NewDirectedGraph()
	delays := make(map[Edge]tag.Interval)
	for _, f := range feds {
		g.AddNode(simple.Node(f.ID))
	}

	upstream := make(map[Edge]bool)
	for _, f := range feds {
		for i, u := range f.Upstream {
			e := Edge{From: u, To: f.ID}
			upstream[e] = true
			delays[e] = f.UpstreamDelay[i]
			if u == f.ID {
				r.SelfLoops = append(r.SelfLoops, f.ID)
				if zeroDelay(f.UpstreamDelay[i]) {
					r.ZeroDelayCycles = append(r.ZeroDelayCycles, []uint16{f.ID})
				}
				continue
			}
			if g.Node(int64(u)) == nil {
				g.AddNode(simple.Node(u))
			}
			g.SetEdge(simple.Edge{F: simple.Node(u), T: simple.Node(f.ID)})
		}
	}

	downstream := make(map[Edge]bool)
	for _, f := range feds {
		for _, d := range f.Downstream {
			e := Edge{From: f.ID, To: d}
			downstream[e] = true
			if !upstream[e] {
				r.DownstreamOnly = append(r.DownstreamOnly, e)
			}
		}
	}
	for e := range upstream {
		if !downstream[e] {
			r.UpstreamOnly = append(r.UpstreamOnly, e)
		}
	}
	sortEdges(r.UpstreamOnly)
	sortEdges(r.DownstreamOnly)

	for _, c := range topo.DirectedCyclesIn(g) {
		ids := normalize(c)
		r.Cycles = append(r.Cycles, ids)
		if cycleIsZeroDelay(ids, delays) {
			r.ZeroDelayCycles = append(r.ZeroDelayCycles, ids)
		}
	}
	sortCycles(r.Cycles)
	sortCycles(r.ZeroDelayCycles)
	return r
}

func zeroDelay(d tag.Interval) bool { return d <= 0 }

func cycleIsZeroDelay(ids []uint16, delays map[Edge]tag.Interval) bool {
	for i, from := range ids {
		to := ids[(i+1)%len(ids)]
		if !zeroDelay(delays[Edge{From: from, To: to}]) {
			return false
		}
	}
	return true
}

// normalize drops the closing node gonum repeats and rotates the cycle to
// start at its lowest id.
func normalize(c []graph.Node) []uint16 {
	if len(c) > 1 && c[0].ID() == c[len(c)-1].ID() {
		c = c[:len(c)-1]
	}
	ids := make([]uint16, len(c))
	low := 0
	for i, n := range c {
		ids[i] = uint16(n.ID())
		if ids[i] < ids[low] {
			low = i
		}
	}
	return append(ids[low:], ids[:low]...)
}

func sortEdges(es []Edge) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].From != es[j].From {
			return es[i].From < es[j].From
		}
		return es[i].To < es[j].To
	})
}

func sortCycles(cs [][]uint16) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}

// FormatCycle renders a cycle as "0->1->2->0".
func FormatCycle(c []uint16) string {
	if len(c) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c)+1)
	for _, id := range c {
		parts = append(parts, fmt.Sprint(id))
	}
	parts = append(parts, fmt.Sprint(c[0]))
	return strings.Join(parts, "->")
}
