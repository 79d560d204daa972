package storage

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
)

func TestFSShardStore_WriteReadDelete(t *testing.T) {
	store, err := NewFSShardStore(t.TempDir(), FSOptions{})
	require.NoError(t, err, "NewFSShardStore should not error")

	id := uuid.NewString()
	data := []byte("this is a test shard")

	// Written in two segments at an offset.
	require.NoError(t, store.WriteShard(id, 2, 10, bufferlist.New(data[:5], data[5:])))

	size, err := store.ShardSize(id, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10+len(data)), size)

	got, err := store.ReadShard(id, 2, 10, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got, "ReadShard should return original data")

	// The hole before the first write reads as zeros.
	got, err = store.ReadShard(id, 2, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), got)

	_, err = store.ReadShard(id, 2, 10, uint64(len(data))+1)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "reads past the end are short")

	_, err = store.ReadShard(id, 3, 0, 1)
	assert.ErrorIs(t, err, ErrShardNotFound)
	_, err = store.ShardSize(id, 3)
	assert.ErrorIs(t, err, ErrShardNotFound)

	require.NoError(t, store.DeleteShard(id, 2))
	require.NoError(t, store.DeleteShard(id, 2), "DeleteShard should be idempotent")
	_, err = store.ReadShard(id, 2, 0, 1)
	assert.ErrorIs(t, err, ErrShardNotFound)
}

func TestFSShardStore_RejectsBadObjectIDs(t *testing.T) {
	store, err := NewFSShardStore(t.TempDir(), FSOptions{})
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "not-a-uuid", "{" + uuid.NewString() + "}"} {
		err := store.WriteShard(id, 0, 0, bufferlist.New([]byte("x")))
		assert.ErrorIs(t, err, ErrInvalidObjectID, id)
		_, err = store.GetMeta(id)
		assert.ErrorIs(t, err, ErrInvalidObjectID, id)
	}

	_, err = NewFSShardStore("", FSOptions{})
	assert.Error(t, err)
}

func TestFSShardStore_Meta(t *testing.T) {
	store, err := NewFSShardStore(t.TempDir(), FSOptions{})
	require.NoError(t, err)

	id := uuid.NewString()
	_, err = store.GetMeta(id)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	meta := &ObjectMeta{
		ID:     id,
		Name:   "report.pdf",
		Size:   12345,
		Layout: Layout{K: 4, M: 2, ChunkSize: 4096, ChunkMapping: []int{0, 1, 2, 3, 4, 5}},
		Attrs:  map[string][]byte{"owner": []byte("ops")},
	}
	require.NoError(t, store.PutMeta(meta))

	got, err := store.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	ids, err := store.ListObjects()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	require.NoError(t, store.DeleteObject(id))
	require.NoError(t, store.DeleteObject(id), "DeleteObject should be idempotent")
	_, err = store.GetMeta(id)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	ids, err = store.ListObjects()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFSShardStore_DirectIO(t *testing.T) {
	store, err := NewFSShardStore(t.TempDir(), FSOptions{DirectIO: true})
	require.NoError(t, err)

	id := uuid.NewString()
	block := directio.AlignedBlock(directio.BlockSize)
	for i := range block {
		block[i] = byte(i)
	}

	// Aligned transfers go through O_DIRECT, others are buffered.
	require.NoError(t, store.WriteShard(id, 0, directio.BlockSize, bufferlist.New(block)))
	require.NoError(t, store.WriteShard(id, 0, 3, bufferlist.New([]byte("abc"))))

	got, err := store.ReadShard(id, 0, directio.BlockSize, directio.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, block, got)

	got, err = store.ReadShard(id, 0, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
