package realtime

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/automerge/automerge-go"
)

// ContentKey is the root map key holding the markdown text of a note.
const ContentKey = "content"

// StateVector summarises how much history a document has incorporated: the sorted hex encoded
// heads of its change graph.
type StateVector []string

func versionOf(doc *automerge.Doc) StateVector {
	heads := doc.Heads()
	out := make(StateVector, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	slices.Sort(out)
	return out
}

func (v StateVector) Equal(other StateVector) bool {
	return slices.Equal(v, other)
}

func (v StateVector) String() string {
	short := make([]string, 0, len(v))
	for _, h := range v {
		if len(h) > 8 {
			h = h[:8]
		}
		short = append(short, h)
	}
	return "[" + strings.Join(short, ",") + "]"
}

func (v StateVector) hashes() ([]automerge.ChangeHash, error) {
	out := make([]automerge.ChangeHash, 0, len(v))
	for _, s := range v {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode head %q: %w", s, err)
		}
		var h automerge.ChangeHash
		if len(raw) != len(h) {
			return nil, fmt.Errorf("head %q has %d bytes", s, len(raw))
		}
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, nil
}

// Document is the state cell of one note: an automerge document and its current state vector.
// It is not safe for concurrent use; a session owns exactly one and only touches it from its own
// goroutine.
type Document struct {
	doc     *automerge.Doc
	version StateVector
}

// NewDocument builds the document a session starts from. A seed carrying a serialized document is
// loaded as is; otherwise a fresh document is created with the seed content as its text.
func NewDocument(seed Seed) (*Document, error) {
	if len(seed.Document) > 0 {
		doc, err := automerge.Load(seed.Document)
		if err != nil {
			return nil, fmt.Errorf("failed to load doc: %w", err)
		}
		return &Document{doc: doc, version: versionOf(doc)}, nil
	}

	// The text object must exist before any client edits, otherwise two clients creating it
	// concurrently would each win a different copy.
	doc := automerge.New()
	if err := doc.Path(ContentKey).Set(automerge.NewText(seed.Content)); err != nil {
		return nil, fmt.Errorf("failed to seed content: %w", err)
	}
	if _, err := doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return &Document{doc: doc, version: versionOf(doc)}, nil
}

// Apply merges an update made of one or more serialized changes. It reports whether the state
// vector moved. Updates that fail to decode, or that would leave the note text unreadable, are
// rejected and the document is left as it was.
func (d *Document) Apply(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, fmt.Errorf("empty update")
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return false, fmt.Errorf("failed to decode update: %w", err)
	}
	next, err := d.doc.Fork(d.doc.Heads()...)
	if err != nil {
		return false, fmt.Errorf("failed to fork doc: %w", err)
	}
	if err := next.Apply(changes...); err != nil {
		return false, fmt.Errorf("failed to apply update: %w", err)
	}
	version := versionOf(next)
	if version.Equal(d.version) {
		return false, nil
	}
	if _, err := next.Path(ContentKey).Text().Get(); err != nil {
		return false, fmt.Errorf("update leaves %q unreadable: %w", ContentKey, err)
	}
	d.doc = next
	d.version = version
	return true, nil
}

// Version returns the current state vector.
func (d *Document) Version() StateVector {
	return slices.Clone(d.version)
}

// Snapshot serializes the whole document.
func (d *Document) Snapshot() []byte {
	return d.doc.Save()
}

// Diff returns the changes a peer at since is missing, concatenated in the same format Apply
// accepts. It fails when since references history this document does not know.
func (d *Document) Diff(since StateVector) ([]byte, error) {
	heads, err := since.hashes()
	if err != nil {
		return nil, err
	}
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	return buf.Bytes(), nil
}

// Content returns the markdown text of the document.
func (d *Document) Content() (string, error) {
	text, err := d.doc.Path(ContentKey).Text().Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return text, nil
}
