// Package viz renders the change history of a note document as a graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Change is one node of the history graph.
type Change struct {
	Hash    string
	Actor   string
	Seq     uint64
	Message string
	// Length is the length of the note text as of this change, or -1 when it has no text yet.
	Length int
	Deps   []string
}

// History lists the last limit changes of doc in causal order, with limit <= 0 meaning all of them.
// path names the text object whose length is tracked.
func History(doc *automerge.Doc, path string, limit int) ([]Change, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	if limit > 0 && len(changes) > limit {
		changes = changes[len(changes)-limit:]
	}
	out := make([]Change, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		length := -1
		if text, err := docAt.Path(path).Text().Get(); err == nil {
			length = len(text)
		}
		c := Change{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Length:  length,
		}
		for _, dep := range change.Dependencies() {
			c.Deps = append(c.Deps, dep.String())
		}
		out = append(out, c)
	}
	return out, nil
}

// RenderSVG draws changes as a dependency graph and writes the SVG to w. Dependencies outside
// changes are left out.
func RenderSVG(w io.Writer, changes []Change) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		n, err := graph.CreateNode(change.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		label := fmt.Sprintf("%s %.8s@%d", change.Hash[:8], change.Actor, change.Seq)
		if change.Message != "" {
			label += " " + change.Message
		}
		if change.Length >= 0 {
			label += fmt.Sprintf(" (%d chars)", change.Length)
		}
		n.SetLabel(label)
		nodeMap[change.Hash] = n

		for _, dep := range change.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderDocument renders the last limit changes of a serialized document.
func RenderDocument(w io.Writer, snapshot []byte, path string, limit int) error {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	changes, err := History(doc, path, limit)
	if err != nil {
		return err
	}
	return RenderSVG(w, changes)
}
