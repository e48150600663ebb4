// ABOUTME: Exports a heap snapshot as a pprof heap profile
// ABOUTME: Each object is a sample whose stack is its chain of dominating types

package heapdump

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/prateek/oilpan/graph"
)

// maxRetentionDepth caps the dominator chain recorded per sample.
const maxRetentionDepth = 64

// WriteProfile writes g as a gzipped pprof profile with inuse_objects and
// inuse_space sample types. The stack of every sample walks from the
// object's type up through the types of the objects dominating it, so pprof
// flame graphs show what keeps memory alive.
func WriteProfile(w io.Writer, g graph.Graph) error {
	p := buildProfile(g)
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if err := p.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

func buildProfile(g graph.Graph) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		DefaultSampleType: "inuse_space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		TimeNanos:         time.Now().UnixNano(),
	}

	locations := make(map[string]*profile.Location)
	locationFor := func(typeName string) *profile.Location {
		if loc, ok := locations[typeName]; ok {
			return loc
		}
		id := uint64(len(locations) + 1)
		fn := &profile.Function{ID: id, Name: typeName, SystemName: typeName}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		locations[typeName] = loc
		return loc
	}

	idom := graph.Dominators(g)
	g.ForEachObject(func(obj *graph.Object) {
		stack := []*profile.Location{locationFor(obj.Type)}
		for dom := idom[obj.ID]; dom != 0 && len(stack) < maxRetentionDepth; dom = idom[dom] {
			if d := g.GetObject(dom); d != nil {
				stack = append(stack, locationFor(d.Type))
			}
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: stack,
			Value:    []int64{1, int64(obj.Size)},
			Label:    map[string][]string{"type": {obj.Type}},
			NumLabel: map[string][]int64{"address": {int64(obj.ID)}},
		})
	})
	return p
}
