// ABOUTME: Parser interface for stored heap snapshots
// ABOUTME: Defines the contract for pluggable snapshot formats

package heapdump

import (
	"io"

	"github.com/prateek/oilpan/graph"
)

// Parser reads one stored snapshot format back into a graph.
type Parser interface {
	// Name identifies the format, e.g. "json".
	Name() string

	// CanParse inspects a preview of the input. Implementations should only
	// read a small prefix.
	CanParse(r io.Reader) bool

	// Parse reads the whole snapshot from a reader positioned at the start.
	Parse(r io.Reader) (graph.Graph, error)
}
