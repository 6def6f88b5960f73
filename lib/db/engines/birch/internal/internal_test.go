package internal

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(versions ...Version) *Entry {
	return &Entry{Key: db.IntKey(1), Versions: versions}
}

func TestEntryVisible(t *testing.T) {
	e := chain(
		Version{Seq: 2, Value: []byte("a")},
		Version{Seq: 5, Deleted: true},
		Version{Seq: 8, Value: []byte("b")},
	)

	cases := []struct {
		snapshot uint64
		want     string
		ok       bool
	}{
		{1, "", false},
		{2, "a", true},
		{4, "a", true},
		{5, "", false},
		{7, "", false},
		{8, "b", true},
		{100, "b", true},
	}
	for _, tc := range cases {
		v, ok := e.Visible(tc.snapshot)
		assert.Equal(t, tc.ok, ok, "snapshot %d", tc.snapshot)
		assert.Equal(t, tc.want, string(v.Value), "snapshot %d", tc.snapshot)
	}

	_, ok := chain().Visible(100)
	assert.False(t, ok)
}

func TestEntryPrune(t *testing.T) {
	t.Run("KeepsNewestBelowWatermark", func(t *testing.T) {
		e := chain(Version{Seq: 1}, Version{Seq: 3}, Version{Seq: 6}, Version{Seq: 9})

		pruned, settled := e.Prune(6)
		assert.Equal(t, 2, pruned)
		assert.False(t, settled, "version 9 is above the watermark")
		assert.Equal(t, []uint64{6, 9}, seqs(e))

		pruned, settled = e.Prune(9)
		assert.Equal(t, 1, pruned)
		assert.True(t, settled)
		assert.Equal(t, []uint64{9}, seqs(e))
	})

	t.Run("NothingBelowWatermark", func(t *testing.T) {
		e := chain(Version{Seq: 4}, Version{Seq: 5})

		pruned, settled := e.Prune(3)
		assert.Zero(t, pruned)
		assert.False(t, settled)
		assert.Len(t, e.Versions, 2)
	})

	t.Run("DropsTombstoneAtWatermark", func(t *testing.T) {
		e := chain(Version{Seq: 1}, Version{Seq: 2, Deleted: true})

		pruned, settled := e.Prune(2)
		assert.Equal(t, 2, pruned)
		assert.True(t, settled)
		assert.Empty(t, e.Versions)
	})

	t.Run("KeepsTombstoneAboveWatermark", func(t *testing.T) {
		e := chain(Version{Seq: 1}, Version{Seq: 2, Deleted: true})

		pruned, settled := e.Prune(1)
		assert.Zero(t, pruned)
		assert.False(t, settled)

		// a reader at 1 still sees the value
		_, ok := e.Visible(1)
		assert.True(t, ok)
	})

	t.Run("SingleVersionIsSettled", func(t *testing.T) {
		e := chain(Version{Seq: 3, Value: []byte("x")})

		pruned, settled := e.Prune(10)
		assert.Zero(t, pruned)
		assert.True(t, settled)
	})

	t.Run("VisibilityAboveWatermarkIsUnchanged", func(t *testing.T) {
		e := chain(
			Version{Seq: 1, Value: []byte("1")},
			Version{Seq: 2, Deleted: true},
			Version{Seq: 4, Value: []byte("4")},
			Version{Seq: 7, Value: []byte("7")},
		)

		before := map[uint64]string{}
		for s := uint64(5); s <= 8; s++ {
			v, _ := e.Visible(s)
			before[s] = string(v.Value)
		}

		e.Prune(5)
		for s := uint64(5); s <= 8; s++ {
			v, _ := e.Visible(s)
			assert.Equal(t, before[s], string(v.Value), "snapshot %d", s)
		}
	})
}

func seqs(e *Entry) []uint64 {
	out := make([]uint64, len(e.Versions))
	for i, v := range e.Versions {
		out[i] = v.Seq
	}
	return out
}

func TestLess(t *testing.T) {
	assert.True(t, LessEntry(Pivot(db.IntKey(-5)), Pivot(db.IntKey(3))))
	assert.False(t, LessEntry(Pivot(db.IntKey(3)), Pivot(db.IntKey(3))))
	assert.True(t, LessWrite(Write{Key: db.TextKey("A")}, Write{Key: db.TextKey("a")}))
}

func TestKeyCodec(t *testing.T) {
	keys := []db.Key{
		db.ShortKey(-1),
		db.ShortKey(1 << 30),
		db.IntKey(-1 << 63),
		db.IntKey(1<<63 - 1),
		db.TextKey(""),
		db.TextKey("héllo wörld"),
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, k := range keys {
		require.NoError(t, WriteKey(w, k))
	}
	require.NoError(t, w.Flush())

	r := bytes.NewReader(buf.Bytes())
	for _, want := range keys {
		got, err := ReadKey(r, want.Type())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, r.Len())

	// fixed sizes for integers, length prefix for text
	buf.Reset()
	w.Reset(&buf)
	require.NoError(t, WriteKey(w, db.ShortKey(7)))
	require.NoError(t, WriteKey(w, db.TextKey("ab")))
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte{7, 0, 0, 0, 2, 0, 0, 0, 'a', 'b'}, buf.Bytes())

	assert.Error(t, WriteKey(w, db.Key{}))
	_, err := ReadKey(bytes.NewReader(nil), db.KeyTypeInt)
	assert.Error(t, err)
	_, err = ReadKey(bytes.NewReader([]byte{5, 0, 0, 0, 'a'}), db.KeyTypeText)
	assert.Error(t, err)
	_, err = ReadKey(bytes.NewReader([]byte{1}), db.KeyType(0))
	assert.Error(t, err)
}
