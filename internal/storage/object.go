package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/ecutil"
	"github.com/kunal-geeks/ecstripe/internal/extent"
)

var (
	// ErrHashMismatch is returned when shard content disagrees with the
	// object's HashInfo.
	ErrHashMismatch = errors.New("shard hash mismatch")
	// ErrLayoutMismatch is returned for objects written with another
	// stripe geometry.
	ErrLayoutMismatch = errors.New("object layout does not match store")
	// ErrUnrecoverable is returned when more shards are lost than the code
	// can rebuild.
	ErrUnrecoverable = errors.New("too many damaged shards")
)

// DefaultStripesPerWrite is the number of stripes encoded per batch.
const DefaultStripesPerWrite = 64

// Options configures an ObjectStore.
type Options struct {
	// StripesPerWrite bounds the stripes encoded and written per batch. It
	// is rounded up so every batch covers whole pages on each shard.
	StripesPerWrite int
	Logger          *logrus.Logger
}

// ObjectStore writes objects as erasure-coded shards and reads them back,
// reconstructing lost data shards on the fly.
type ObjectStore struct {
	shards ShardStore
	code   ecutil.ErasureCode
	sinfo  *ecutil.StripeInfo
	batch  uint64 // RO bytes per batch, whole stripes
	log    *logrus.Logger
}

// NewObjectStore combines a shard store, an erasure code and the stripe
// geometry built for it.
func NewObjectStore(shards ShardStore, code ecutil.ErasureCode, sinfo *ecutil.StripeInfo, opts Options) (*ObjectStore, error) {
	if shards == nil || code == nil || sinfo == nil {
		return nil, fmt.Errorf("NewObjectStore: shards, code and sinfo are required")
	}
	if code.DataChunkCount() != sinfo.K() || code.CodingChunkCount() != sinfo.M() {
		return nil, fmt.Errorf("NewObjectStore: code is %d+%d, geometry is %d+%d",
			code.DataChunkCount(), code.CodingChunkCount(), sinfo.K(), sinfo.M())
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	stripes := uint64(opts.StripesPerWrite)
	if stripes == 0 {
		stripes = DefaultStripesPerWrite
	}
	if chunk := sinfo.ChunkSize(); chunk < bufferlist.PageSize {
		stripes = bufferlist.AlignUp(stripes, bufferlist.PageSize/chunk)
	}
	return &ObjectStore{
		shards: shards,
		code:   code,
		sinfo:  sinfo,
		batch:  stripes * sinfo.StripeWidth(),
		log:    opts.Logger,
	}, nil
}

// StripeInfo returns the store's stripe geometry.
func (s *ObjectStore) StripeInfo() *ecutil.StripeInfo { return s.sinfo }

// Stat returns the metadata of object.
func (s *ObjectStore) Stat(object string) (*ObjectMeta, error) {
	meta, err := s.shards.GetMeta(object)
	if err != nil {
		return nil, err
	}
	if !meta.Layout.Matches(s.sinfo) {
		return nil, fmt.Errorf("Stat: %s: %w", object, ErrLayoutMismatch)
	}
	return meta, nil
}

// List returns the metadata of every object.
func (s *ObjectStore) List() ([]*ObjectMeta, error) {
	ids, err := s.shards.ListObjects()
	if err != nil {
		return nil, err
	}
	out := make([]*ObjectMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.shards.GetMeta(id)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, meta)
	}
	return out, nil
}

// Delete removes object and its shards.
func (s *ObjectStore) Delete(object string) error {
	return s.shards.DeleteObject(object)
}

// Put stores everything read from r as a new object with a fresh id.
func (s *ObjectStore) Put(ctx context.Context, name string, r io.Reader) (*ObjectMeta, error) {
	meta := &ObjectMeta{
		ID:     uuid.NewString(),
		Name:   name,
		Layout: LayoutOf(s.sinfo),
	}
	hinfo := ecutil.NewHashInfo(s.sinfo.KPlusM())
	if err := s.appendFrom(ctx, meta, hinfo, r); err != nil {
		_ = s.shards.DeleteObject(meta.ID)
		return nil, fmt.Errorf("Put: %w", err)
	}
	return meta, nil
}

// Append adds everything read from r to the end of object. Appends at a
// stripe boundary keep the per-shard hashes; any other append re-encodes
// the partial last stripe and drops them.
func (s *ObjectStore) Append(ctx context.Context, object string, r io.Reader) (*ObjectMeta, error) {
	meta, err := s.Stat(object)
	if err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}
	hinfo, err := meta.HashInfo()
	if err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}
	if err := s.appendFrom(ctx, meta, hinfo, r); err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}
	return meta, nil
}

func (s *ObjectStore) appendFrom(ctx context.Context, meta *ObjectMeta, hinfo *ecutil.HashInfo, r io.Reader) error {
	sw, chunk := s.sinfo.StripeWidth(), s.sinfo.ChunkSize()
	// The hashes can only grow if the shards end exactly where the object
	// does.
	hashing := meta.Size == hinfo.TotalChunkSize()/chunk*sw
	// Encoding pads shard extents out to pages, so a rewrite has to start
	// on a page of every shard or it would zero existing bytes.
	shardOff := bufferlist.AlignDown(s.sinfo.LogicalToPrevStripeOffset(meta.Size)/sw*chunk, bufferlist.PageSize)
	off := shardOff / chunk * sw

	buf := make([]byte, s.batch)
	n := 0
	if off < meta.Size {
		// Rewrite the partial last stripe together with the new bytes.
		tail, err := s.read(meta, off, meta.Size-off, nil)
		if err != nil {
			return err
		}
		n = copy(buf, tail)
		hashing = false
	}

	shardEnd := hinfo.TotalChunkSize()
	wrote := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := io.ReadFull(r, buf[n:])
		eof := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !eof {
			return fmt.Errorf("read input: %w", err)
		}
		if m == 0 {
			break
		}
		n += m

		h := hinfo
		if !hashing {
			h = nil
		}
		end, err := s.writeBatch(meta.ID, h, off, buf[:n])
		if err != nil {
			return err
		}
		shardEnd = max(shardEnd, end)
		wrote = true
		off += uint64(n)
		meta.Size = off
		n = 0
		if eof {
			break
		}
	}

	if !hashing && wrote {
		hinfo.SetTotalChunkSizeClearHash(shardEnd)
	}
	if err := meta.SetHashInfo(hinfo); err != nil {
		return err
	}
	if err := s.shards.PutMeta(meta); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"object": meta.ID,
		"size":   meta.Size,
		"hinfo":  hinfo.String(),
	}).Info("object written")
	return nil
}

// writeBatch encodes data, which starts on a stripe boundary, zero pads it
// to whole stripes and writes every shard. Returns the new shard end.
func (s *ObjectStore) writeBatch(object string, hinfo *ecutil.HashInfo, off uint64, data []byte) (uint64, error) {
	length := uint64(len(data))
	sem := ecutil.NewShardExtentMap(s.sinfo)
	s.sinfo.RORangeToShardExtentMap(off, length, bufferlist.New(data), sem)
	sem.AppendZerosToROOffset(s.sinfo.LogicalToNextStripeOffset(off + length))
	sem.InsertParityBuffers()
	if err := sem.Encode(s.code, hinfo, off); err != nil {
		return 0, fmt.Errorf("writeBatch: %w", err)
	}
	if err := s.writeShards(object, sem, nil); err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{
		"object": object,
		"offset": off,
		"length": length,
	}).Debug("encoded batch")
	return sem.EndOffset(), nil
}

// writeShards writes the shards of sem, or only those in only when given.
func (s *ObjectStore) writeShards(object string, sem *ecutil.ShardExtentMap, only []int) error {
	shards := sem.Shards()
	if only != nil {
		shards = only
	}
	for _, shard := range shards {
		em, ok := sem.ExtentMap(shard)
		if !ok {
			continue
		}
		for _, e := range em.Extents() {
			if err := s.shards.WriteShard(object, shard, e.Off, e.Buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get writes the whole object to w.
func (s *ObjectStore) Get(ctx context.Context, object string, w io.Writer) error {
	meta, err := s.Stat(object)
	if err != nil {
		return fmt.Errorf("Get: %w", err)
	}
	for off := uint64(0); off < meta.Size; off += s.batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := s.read(meta, off, min(s.batch, meta.Size-off), nil)
		if err != nil {
			return fmt.Errorf("Get: %w", err)
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("Get: write: %w", err)
		}
	}
	return nil
}

// ReadAt returns up to length bytes of object starting at off. Reads past
// the end of the object are truncated.
func (s *ObjectStore) ReadAt(object string, off, length uint64) ([]byte, error) {
	meta, err := s.Stat(object)
	if err != nil {
		return nil, fmt.Errorf("ReadAt: %w", err)
	}
	if off >= meta.Size {
		return nil, nil
	}
	buf, err := s.read(meta, off, min(length, meta.Size-off), nil)
	if err != nil {
		return nil, fmt.Errorf("ReadAt: %w", err)
	}
	return buf, nil
}

func (s *ObjectStore) read(meta *ObjectMeta, off, length uint64, exclude map[int]bool) ([]byte, error) {
	sem, err := s.readMap(meta.ID, off, length, exclude)
	if err != nil {
		return nil, err
	}
	buf := sem.GetROBuffer(off, length)
	if buf.Len() != length {
		return nil, fmt.Errorf("read %s %d~%d: got %d bytes: %w", meta.ID, off, length, buf.Len(), ErrUnrecoverable)
	}
	return buf.Bytes(), nil
}

// readMap reads the data shard ranges behind an RO range. Shards that are
// missing, too short or excluded are decoded from the surviving shards.
func (s *ObjectStore) readMap(object string, off, length uint64, exclude map[int]bool) (*ecutil.ShardExtentMap, error) {
	want := ecutil.NewShardExtentSet(s.sinfo.KPlusM())
	s.sinfo.RORangeToShardExtentSet(off, length, want)
	sem := ecutil.NewShardExtentMap(s.sinfo)

	var lost extent.Set
	lostShards := make(map[int]bool)
	for shard, eset := range want.All() {
		ok := false
		if !exclude[shard] {
			var err error
			if ok, err = s.readShardSet(object, shard, eset, sem); err != nil {
				return nil, err
			}
		}
		if !ok {
			lost.Union(eset)
			lostShards[shard] = true
		}
	}
	if len(lostShards) == 0 {
		return sem, nil
	}

	// Every surviving shard, parity included, supplies the lost ranges.
	for shard := 0; shard < s.sinfo.KPlusM(); shard++ {
		if lostShards[shard] || exclude[shard] {
			continue
		}
		if _, err := s.readShardSet(object, shard, lost, sem); err != nil {
			return nil, err
		}
	}
	need := ecutil.NewShardExtentSet(s.sinfo.KPlusM())
	for shard := range lostShards {
		eset, _ := want.Get(shard)
		need.Union(shard, eset)
		s.log.WithFields(logrus.Fields{
			"object": object,
			"shard":  shard,
			"offset": eset.RangeStart(),
			"length": eset.Size(),
		}).Warn("reconstructing shard")
	}
	if err := sem.Decode(s.code, need); err != nil {
		return nil, fmt.Errorf("reconstruct %s: %w", object, err)
	}
	return sem, nil
}

// readShardSet reads every range of eset from shard into sem. It reports
// false, inserting nothing, if the shard is missing or too short.
func (s *ObjectStore) readShardSet(object string, shard int, eset extent.Set, sem *ecutil.ShardExtentMap) (bool, error) {
	ranges := eset.Ranges()
	bufs := make([][]byte, len(ranges))
	for i, r := range ranges {
		buf, err := s.shards.ReadShard(object, shard, r.Off, r.Len)
		if errors.Is(err, ErrShardNotFound) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		bufs[i] = buf
	}
	for i, r := range ranges {
		sem.InsertInShard(shard, r.Off, bufferlist.New(bufs[i]))
	}
	return true, nil
}

// Verify checks every shard against the object's HashInfo. Missing or
// short shards and hash mismatches are reported as ErrHashMismatch.
func (s *ObjectStore) Verify(ctx context.Context, object string) error {
	meta, err := s.Stat(object)
	if err != nil {
		return fmt.Errorf("Verify: %w", err)
	}
	bad, err := s.damagedShards(ctx, meta)
	if err != nil {
		return fmt.Errorf("Verify: %w", err)
	}
	if len(bad) > 0 {
		return fmt.Errorf("Verify: %s shards %v: %w", object, bad, ErrHashMismatch)
	}
	return nil
}

// damagedShards lists shards that are missing, shorter than the shard
// size recorded in HashInfo, or whose cumulative hash differs.
func (s *ObjectStore) damagedShards(ctx context.Context, meta *ObjectMeta) ([]int, error) {
	hinfo, err := meta.HashInfo()
	if err != nil {
		return nil, err
	}
	total := hinfo.TotalChunkSize()
	if total == 0 {
		return nil, nil
	}
	step := s.batch / s.sinfo.StripeWidth() * s.sinfo.ChunkSize()

	var bad []int
	for shard := 0; shard < s.sinfo.KPlusM(); shard++ {
		size, err := s.shards.ShardSize(meta.ID, shard)
		if errors.Is(err, ErrShardNotFound) || (err == nil && size < total) {
			bad = append(bad, shard)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !hinfo.HasChunkHash() {
			continue
		}
		check := ecutil.NewHashInfo(1)
		for off := uint64(0); off < total; off += step {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			buf, err := s.shards.ReadShard(meta.ID, shard, off, min(step, total-off))
			if err != nil {
				return nil, err
			}
			check.Append(off, map[int][]byte{0: buf})
		}
		if check.ChunkHash(0) != hinfo.ChunkHash(shard) {
			s.log.WithFields(logrus.Fields{
				"object": meta.ID,
				"shard":  shard,
				"want":   fmt.Sprintf("%x", hinfo.ChunkHash(shard)),
				"got":    fmt.Sprintf("%x", check.ChunkHash(0)),
			}).Warn("shard hash mismatch")
			bad = append(bad, shard)
		}
	}
	return bad, nil
}

// Repair rebuilds every damaged shard of object and returns their ids.
func (s *ObjectStore) Repair(ctx context.Context, object string) ([]int, error) {
	meta, err := s.Stat(object)
	if err != nil {
		return nil, fmt.Errorf("Repair: %w", err)
	}
	bad, err := s.damagedShards(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("Repair: %w", err)
	}
	if len(bad) == 0 {
		return nil, nil
	}
	if len(bad) > s.sinfo.M() {
		return nil, fmt.Errorf("Repair: %s shards %v: %w", object, bad, ErrUnrecoverable)
	}

	hinfo, err := meta.HashInfo()
	if err != nil {
		return nil, fmt.Errorf("Repair: %w", err)
	}
	exclude := make(map[int]bool, len(bad))
	for _, shard := range bad {
		exclude[shard] = true
	}

	// Shards are rebuilt over the whole padded stripe range, batch by batch.
	chunk, sw := s.sinfo.ChunkSize(), s.sinfo.StripeWidth()
	roEnd := hinfo.TotalChunkSize() / chunk * sw
	for _, shard := range bad {
		if err := s.shards.DeleteShard(object, shard); err != nil {
			return nil, fmt.Errorf("Repair: %w", err)
		}
	}
	for off := uint64(0); off < roEnd; off += s.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		length := min(s.batch, roEnd-off)
		data, err := s.read(meta, off, length, exclude)
		if err != nil {
			return nil, fmt.Errorf("Repair: %w", err)
		}
		sem := ecutil.NewShardExtentMap(s.sinfo)
		s.sinfo.RORangeToShardExtentMap(off, length, bufferlist.New(data), sem)
		sem.InsertParityBuffers()
		if err := sem.Encode(s.code, nil, off); err != nil {
			return nil, fmt.Errorf("Repair: %w", err)
		}
		if err := s.writeShards(object, sem, bad); err != nil {
			return nil, fmt.Errorf("Repair: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"object": object,
		"shards": bad,
	}).Info("shards repaired")
	return bad, nil
}
