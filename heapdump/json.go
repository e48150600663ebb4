// ABOUTME: JSON snapshot format: a writer for live heap graphs and the matching parser
// ABOUTME: Objects carry their payload address, type, size and strong references

package heapdump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prateek/oilpan/graph"
)

const jsonFormatVersion = 1

// JSON reads and writes the JSON snapshot format.
type JSON struct{}

type jsonDump struct {
	Version int          `json:"version"`
	Objects []jsonObject `json:"objects"`
	Roots   []jsonRoot   `json:"roots"`
}

type jsonObject struct {
	ID   graph.ObjID   `json:"id"`
	Type string        `json:"type"`
	Size uint64        `json:"size"`
	Ptrs []graph.ObjID `json:"ptrs"`
}

type jsonRoot struct {
	ID     graph.ObjID    `json:"id"`
	Kind   graph.RootKind `json:"kind"`
	Thread uint32         `json:"thread,omitempty"`
}

func (JSON) Name() string { return "json" }

// CanParse looks for the leading object of a snapshot with an "objects" key.
func (JSON) CanParse(r io.Reader) bool {
	buf := make([]byte, detectSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false
	}
	head := bytes.TrimSpace(buf[:n])
	if len(head) == 0 || head[0] != '{' {
		return false
	}
	return bytes.Contains(head, []byte(`"objects"`))
}

func (JSON) Parse(r io.Reader) (graph.Graph, error) {
	var dump jsonDump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode JSON snapshot: %w", err)
	}
	if dump.Version > jsonFormatVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", dump.Version, jsonFormatVersion)
	}
	for i, obj := range dump.Objects {
		if obj.ID == 0 {
			return nil, fmt.Errorf("object at index %d missing ID", i)
		}
	}

	g := graph.NewMemGraph()
	for _, obj := range dump.Objects {
		ptrs := obj.Ptrs
		if ptrs == nil {
			ptrs = []graph.ObjID{}
		}
		g.AddObject(&graph.Object{ID: obj.ID, Type: obj.Type, Size: obj.Size, Ptrs: ptrs})
	}
	roots := graph.Roots{Entries: make([]graph.Root, 0, len(dump.Roots))}
	for _, r := range dump.Roots {
		kind := r.Kind
		if kind == "" {
			kind = graph.RootPersistent
		}
		roots.Entries = append(roots.Entries, graph.Root{ID: r.ID, Kind: kind, Thread: r.Thread})
	}
	g.SetRoots(roots)
	return g, nil
}

// WriteJSON stores g in the JSON snapshot format.
func WriteJSON(w io.Writer, g graph.Graph) error {
	dump := jsonDump{
		Version: jsonFormatVersion,
		Objects: make([]jsonObject, 0, g.NumObjects()),
		Roots:   []jsonRoot{},
	}
	g.ForEachObject(func(obj *graph.Object) {
		ptrs := obj.Ptrs
		if ptrs == nil {
			ptrs = []graph.ObjID{}
		}
		dump.Objects = append(dump.Objects, jsonObject{ID: obj.ID, Type: obj.Type, Size: obj.Size, Ptrs: ptrs})
	})
	for _, r := range g.GetRoots().Entries {
		dump.Roots = append(dump.Roots, jsonRoot{ID: r.ID, Kind: r.Kind, Thread: r.Thread})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&dump); err != nil {
		return fmt.Errorf("failed to encode JSON snapshot: %w", err)
	}
	return nil
}

func init() {
	Register(JSON{})
}
