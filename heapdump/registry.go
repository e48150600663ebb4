// ABOUTME: Registry of snapshot parsers
// ABOUTME: Selects the parser for a stored snapshot by sniffing its first bytes

package heapdump

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/prateek/oilpan/graph"
)

var (
	// ErrNoParser is returned when no parser can handle the snapshot format
	ErrNoParser = errors.New("no parser found for snapshot format")
)

const detectSize = 4096

type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{}

// Register adds a parser. A parser registered later wins over an earlier one
// with the same name.
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i, existing := range registry.parsers {
		if existing.Name() == p.Name() {
			registry.parsers[i] = p
			return
		}
	}
	registry.parsers = append(registry.parsers, p)
}

// Lookup returns the parser registered under name.
func Lookup(name string) (Parser, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, p := range registry.parsers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Formats lists the registered format names in registration order.
func Formats() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, len(registry.parsers))
	for i, p := range registry.parsers {
		names[i] = p.Name()
	}
	return names
}

// Open reads a stored snapshot with the first parser that recognises it.
func Open(r io.Reader) (graph.Graph, error) {
	detect := make([]byte, detectSize)
	n, err := io.ReadFull(r, detect)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	detect = detect[:n]

	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, parser := range registry.parsers {
		if parser.CanParse(bytes.NewReader(detect)) {
			return parser.Parse(io.MultiReader(bytes.NewReader(detect), r))
		}
	}
	return nil, ErrNoParser
}
