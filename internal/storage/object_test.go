package storage

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/ecutil"
	"github.com/kunal-geeks/ecstripe/internal/erasure"
)

type testStore struct {
	*ObjectStore
	fs *FSShardStore
}

func newTestStore(t *testing.T, dir string, params erasure.Params, chunk uint64, stripes int) testStore {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	code, err := erasure.New(params)
	require.NoError(t, err)
	sinfo, err := ecutil.StripeInfoFor(code, chunk)
	require.NoError(t, err)
	fs, err := NewFSShardStore(dir, FSOptions{Logger: log})
	require.NoError(t, err)
	s, err := NewObjectStore(fs, code, sinfo, Options{StripesPerWrite: stripes, Logger: log})
	require.NoError(t, err)
	return testStore{ObjectStore: s, fs: fs}
}

func randomData(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func (s testStore) put(t *testing.T, data []byte) *ObjectMeta {
	t.Helper()
	meta, err := s.Put(context.Background(), "test", bytes.NewReader(data))
	require.NoError(t, err)
	return meta
}

func (s testStore) get(t *testing.T, id string) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Get(context.Background(), id, &out))
	return out.Bytes()
}

func TestObjectStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 4, ParityShards: 2}, bufferlist.PageSize, 2)
	sw := int(s.StripeInfo().StripeWidth())

	for _, size := range []int{0, 1, sw - 1, sw, 3*sw + 17, 5*sw + 5} {
		data := randomData(int64(size), size)
		meta := s.put(t, data)
		assert.Equal(t, uint64(size), meta.Size)

		got := s.get(t, meta.ID)
		assert.Equal(t, len(data), len(got), "size %d", size)
		assert.True(t, bytes.Equal(data, got), "size %d", size)
		assert.NoError(t, s.Verify(context.Background(), meta.ID), "size %d", size)

		stored, err := s.Stat(meta.ID)
		require.NoError(t, err)
		h, err := stored.HashInfo()
		require.NoError(t, err)
		assert.True(t, h.HasChunkHash())
		stripes := s.StripeInfo().LogicalToNextStripeOffset(uint64(size)) / uint64(sw)
		assert.Equal(t, stripes*bufferlist.PageSize, h.TotalChunkSize(), "size %d", size)
	}
}

func TestObjectStore_ReadAt(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 3, ParityShards: 2}, bufferlist.PageSize, 1)
	data := randomData(1, int(2*s.StripeInfo().StripeWidth())+100)
	meta := s.put(t, data)

	got, err := s.ReadAt(meta.ID, 4000, 5000)
	require.NoError(t, err)
	assert.Equal(t, data[4000:9000], got)

	got, err = s.ReadAt(meta.ID, uint64(len(data))-10, 100)
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-10:], got, "reads are truncated at the object end")

	got, err = s.ReadAt(meta.ID, uint64(len(data)), 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestObjectStore_ReadsThroughLostShards(t *testing.T) {
	params := erasure.Params{DataShards: 4, ParityShards: 2, ChunkMapping: []int{5, 1, 2, 0, 4, 3}}
	s := newTestStore(t, t.TempDir(), params, bufferlist.PageSize, 2)
	data := randomData(2, int(3*s.StripeInfo().StripeWidth())+333)
	meta := s.put(t, data)

	// Shard 5 holds raw chunk 0, shard 0 holds raw chunk 3.
	require.NoError(t, s.fs.DeleteShard(meta.ID, 5))
	require.NoError(t, s.fs.DeleteShard(meta.ID, 0))
	assert.Equal(t, data, s.get(t, meta.ID))

	got, err := s.ReadAt(meta.ID, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, data[10:30], got)

	require.NoError(t, s.fs.DeleteShard(meta.ID, 1))
	err = s.Get(context.Background(), meta.ID, &bytes.Buffer{})
	assert.ErrorIs(t, err, erasure.ErrTooFewShards)
	assert.ErrorIs(t, s.Verify(context.Background(), meta.ID), ErrHashMismatch)
}

func TestObjectStore_RepairRebuildsShards(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 4, ParityShards: 2}, bufferlist.PageSize, 2)
	data := randomData(3, int(5*s.StripeInfo().StripeWidth())+1)
	meta := s.put(t, data)
	ctx := context.Background()

	before := make(map[int][]byte)
	for _, shard := range []int{1, 4} {
		b, err := s.fs.ReadShard(meta.ID, shard, 0, 6*bufferlist.PageSize)
		require.NoError(t, err)
		before[shard] = b
	}

	// Lose a data shard, corrupt a parity shard.
	require.NoError(t, s.fs.DeleteShard(meta.ID, 1))
	require.NoError(t, s.fs.WriteShard(meta.ID, 4, 100, bufferlist.New([]byte("garbage"))))
	assert.ErrorIs(t, s.Verify(ctx, meta.ID), ErrHashMismatch)

	repaired, err := s.Repair(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, repaired)
	require.NoError(t, s.Verify(ctx, meta.ID))

	for shard, want := range before {
		got, err := s.fs.ReadShard(meta.ID, shard, 0, uint64(len(want)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "shard %d", shard)
	}
	assert.Equal(t, data, s.get(t, meta.ID))

	repaired, err = s.Repair(ctx, meta.ID)
	require.NoError(t, err)
	assert.Empty(t, repaired, "nothing left to repair")
}

func TestObjectStore_RepairTooManyLost(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 2, ParityShards: 1}, bufferlist.PageSize, 1)
	meta := s.put(t, randomData(4, 10000))

	require.NoError(t, s.fs.DeleteShard(meta.ID, 0))
	require.NoError(t, s.fs.DeleteShard(meta.ID, 2))
	_, err := s.Repair(context.Background(), meta.ID)
	assert.ErrorIs(t, err, ErrUnrecoverable)
}

func TestObjectStore_AppendAtStripeBoundaryKeepsHashes(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 4, ParityShards: 2}, bufferlist.PageSize, 2)
	sw := int(s.StripeInfo().StripeWidth())
	first := randomData(5, 2*sw)
	second := randomData(6, sw+10)
	meta := s.put(t, first)

	meta, err := s.Append(context.Background(), meta.ID, bytes.NewReader(second))
	require.NoError(t, err)
	assert.Equal(t, uint64(3*sw+10), meta.Size)

	h, err := meta.HashInfo()
	require.NoError(t, err)
	assert.True(t, h.HasChunkHash())
	assert.Equal(t, 4*bufferlist.PageSize, h.TotalChunkSize())
	assert.NoError(t, s.Verify(context.Background(), meta.ID))
	assert.Equal(t, append(first, second...), s.get(t, meta.ID))
}

func TestObjectStore_UnalignedAppendDropsHashes(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 4, ParityShards: 2}, bufferlist.PageSize, 2)
	sw := int(s.StripeInfo().StripeWidth())
	first := randomData(7, sw+10)
	second := randomData(8, 100)
	meta := s.put(t, first)

	meta, err := s.Append(context.Background(), meta.ID, bytes.NewReader(second))
	require.NoError(t, err)

	h, err := meta.HashInfo()
	require.NoError(t, err)
	assert.False(t, h.HasChunkHash())
	assert.Equal(t, 2*bufferlist.PageSize, h.TotalChunkSize())
	assert.NoError(t, s.Verify(context.Background(), meta.ID))
	assert.Equal(t, append(first, second...), s.get(t, meta.ID))

	// An empty append changes nothing.
	meta, err = s.Append(context.Background(), meta.ID, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(sw+110), meta.Size)
}

func TestObjectStore_SubPageChunks(t *testing.T) {
	chunk := bufferlist.PageSize / 4
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 2, ParityShards: 1}, chunk, 1)
	first := randomData(9, int(5*chunk)+3)
	second := randomData(10, int(chunk))
	meta := s.put(t, first)

	// Shards are padded to whole pages even though stripes are smaller.
	h, err := meta.HashInfo()
	require.NoError(t, err)
	assert.True(t, h.HasChunkHash())
	assert.Equal(t, bufferlist.PageSize, h.TotalChunkSize())
	require.NoError(t, s.Verify(context.Background(), meta.ID))

	meta, err = s.Append(context.Background(), meta.ID, bytes.NewReader(second))
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), s.get(t, meta.ID))
	assert.NoError(t, s.Verify(context.Background(), meta.ID))
}

func TestObjectStore_MetadataErrors(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, erasure.Params{DataShards: 4, ParityShards: 2}, bufferlist.PageSize, 1)
	meta := s.put(t, randomData(11, 100))

	_, err := s.Stat(uuid.NewString())
	assert.ErrorIs(t, err, ErrObjectNotFound)

	other := newTestStore(t, dir, erasure.Params{DataShards: 2, ParityShards: 1}, bufferlist.PageSize, 1)
	_, err = other.Stat(meta.ID)
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, meta.ID, all[0].ID)

	require.NoError(t, s.Delete(meta.ID))
	_, err = s.Stat(meta.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestObjectStore_CancelledContext(t *testing.T) {
	s := newTestStore(t, t.TempDir(), erasure.Params{DataShards: 2, ParityShards: 1}, bufferlist.PageSize, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "x", bytes.NewReader(randomData(12, 10)))
	assert.ErrorIs(t, err, context.Canceled)

	ids, err := s.fs.ListObjects()
	require.NoError(t, err)
	assert.Empty(t, ids, "failed puts leave nothing behind")
}

func TestNewObjectStore_RejectsMismatchedCode(t *testing.T) {
	code, err := erasure.New(erasure.Params{DataShards: 4, ParityShards: 2})
	require.NoError(t, err)
	fs, err := NewFSShardStore(t.TempDir(), FSOptions{})
	require.NoError(t, err)

	_, err = NewObjectStore(fs, code, ecutil.MustStripeInfo(3, 2, 4096, nil), Options{})
	assert.Error(t, err)
	_, err = NewObjectStore(nil, code, ecutil.MustStripeInfo(4, 2, 4096, nil), Options{})
	assert.Error(t, err)
}
