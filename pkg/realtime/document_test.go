package realtime

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replica(t *testing.T, d *Document) *automerge.Doc {
	t.Helper()
	doc, err := automerge.Load(d.Snapshot())
	require.NoError(t, err)
	return doc
}

func edit(t *testing.T, doc *automerge.Doc, pos int, text string) []byte {
	t.Helper()
	require.NoError(t, doc.Path(ContentKey).Text().Insert(pos, text))
	_, err := doc.Commit("edit")
	require.NoError(t, err)
	return doc.SaveIncremental()
}

func TestNewDocumentEmptySeed(t *testing.T) {
	d, err := NewDocument(Seed{})
	require.NoError(t, err)

	content, err := d.Content()
	require.NoError(t, err)
	assert.Equal(t, "", content)
	assert.NotEmpty(t, d.Version(), "the seed commit gives the document a head")
}

func TestNewDocumentFromContent(t *testing.T) {
	d, err := NewDocument(Seed{Content: "# hello"})
	require.NoError(t, err)

	content, err := d.Content()
	require.NoError(t, err)
	assert.Equal(t, "# hello", content)
}

func TestNewDocumentFromSnapshot(t *testing.T) {
	first, err := NewDocument(Seed{Content: "abc"})
	require.NoError(t, err)

	second, err := NewDocument(Seed{Document: first.Snapshot()})
	require.NoError(t, err)
	assert.True(t, first.Version().Equal(second.Version()))

	content, err := second.Content()
	require.NoError(t, err)
	assert.Equal(t, "abc", content)
}

func TestNewDocumentRejectsCorruptSnapshot(t *testing.T) {
	_, err := NewDocument(Seed{Document: []byte("not a document")})
	require.Error(t, err)
}

func TestDocumentApply(t *testing.T) {
	d, err := NewDocument(Seed{Content: "world"})
	require.NoError(t, err)
	before := d.Version()

	update := edit(t, replica(t, d), 0, "hello ")
	changed, err := d.Apply(update)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, before.Equal(d.Version()))

	content, err := d.Content()
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)

	after := d.Version()
	changed, err = d.Apply(update)
	require.NoError(t, err)
	assert.False(t, changed, "re-applying the same update is a no-op")
	assert.True(t, after.Equal(d.Version()))
}

func TestDocumentApplyRejectsGarbage(t *testing.T) {
	d, err := NewDocument(Seed{Content: "x"})
	require.NoError(t, err)
	before := d.Version()

	_, err = d.Apply([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
	_, err = d.Apply(nil)
	require.Error(t, err)
	assert.True(t, before.Equal(d.Version()))
}

func TestDocumentApplyRejectsUnreadableContent(t *testing.T) {
	d, err := NewDocument(Seed{Content: "keep"})
	require.NoError(t, err)
	before := d.Version()

	doc := replica(t, d)
	require.NoError(t, doc.Path(ContentKey).Set("plain"))
	_, err = doc.Commit("replace")
	require.NoError(t, err)

	changed, err := d.Apply(doc.SaveIncremental())
	assert.Error(t, err)
	assert.False(t, changed)
	assert.True(t, before.Equal(d.Version()))

	content, err := d.Content()
	require.NoError(t, err)
	assert.Equal(t, "keep", content)

	// the rejected changes were not kept, so a later edit still applies cleanly
	changed, err = d.Apply(edit(t, replica(t, d), 4, "!"))
	require.NoError(t, err)
	assert.True(t, changed)
	content, err = d.Content()
	require.NoError(t, err)
	assert.Equal(t, "keep!", content)
}

func TestDocumentDiff(t *testing.T) {
	d, err := NewDocument(Seed{Content: "base"})
	require.NoError(t, err)

	behind := replica(t, d)
	since := d.Version()

	ahead := replica(t, d)
	_, err = d.Apply(edit(t, ahead, 4, " one"))
	require.NoError(t, err)
	_, err = d.Apply(edit(t, ahead, 8, " two"))
	require.NoError(t, err)

	diff, err := d.Diff(since)
	require.NoError(t, err)
	require.NotEmpty(t, diff)
	require.NoError(t, behind.LoadIncremental(diff))

	text, err := behind.Path(ContentKey).Text().Get()
	require.NoError(t, err)
	assert.Equal(t, "base one two", text)
}

func TestDocumentDiffUnknownVersion(t *testing.T) {
	d, err := NewDocument(Seed{})
	require.NoError(t, err)

	_, err = d.Diff(StateVector{"zz"})
	require.Error(t, err)
	_, err = d.Diff(StateVector{"00112233"})
	require.Error(t, err)
}

func TestStateVectorString(t *testing.T) {
	v := StateVector{"0123456789abcdef", "fedcba9876543210"}
	assert.Equal(t, "[01234567,fedcba98]", v.String())
	assert.True(t, v.Equal(StateVector{"0123456789abcdef", "fedcba9876543210"}))
	assert.False(t, v.Equal(StateVector{"0123456789abcdef"}))
}
