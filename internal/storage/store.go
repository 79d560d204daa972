package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
)

var (
	// ErrObjectNotFound is returned when an object has no metadata.
	ErrObjectNotFound = errors.New("object not found")
	// ErrShardNotFound is returned when a shard file is missing.
	ErrShardNotFound = errors.New("shard not found")
	// ErrInvalidObjectID is returned for object ids that are not UUIDs.
	ErrInvalidObjectID = errors.New("invalid object id")
)

// ShardStore persists the shard files and metadata of objects. Every shard
// of an object is an independent byte array addressed by shard offset.
type ShardStore interface {
	// WriteShard writes buf at off, extending the shard as needed.
	WriteShard(object string, shard int, off uint64, buf bufferlist.List) error

	// ReadShard reads exactly length bytes at off. Returns ErrShardNotFound
	// if the shard is missing and io.ErrUnexpectedEOF if it is too short.
	ReadShard(object string, shard int, off, length uint64) ([]byte, error)

	// ShardSize returns the size of a shard, or ErrShardNotFound.
	ShardSize(object string, shard int) (uint64, error)

	// DeleteShard removes the shard. Missing shards are not an error.
	DeleteShard(object string, shard int) error

	// PutMeta stores meta, replacing any previous version atomically.
	PutMeta(meta *ObjectMeta) error

	// GetMeta loads metadata. Returns ErrObjectNotFound if absent.
	GetMeta(object string) (*ObjectMeta, error)

	// DeleteObject removes the object with all its shards. Idempotent.
	DeleteObject(object string) error

	// ListObjects returns the ids of every object with metadata.
	ListObjects() ([]string, error)
}

// FSOptions configures an FSShardStore.
type FSOptions struct {
	// DirectIO opens shard files with O_DIRECT for block aligned transfers.
	DirectIO bool
	Logger   *logrus.Logger
}

// FSShardStore keeps one directory per object under baseDir holding
// meta.json and one file per shard named shard.<id>.
type FSShardStore struct {
	baseDir  string
	directIO bool
	log      *logrus.Logger
}

const metaFile = "meta.json"

// NewFSShardStore creates a store rooted at baseDir, creating the
// directory if needed.
func NewFSShardStore(baseDir string, opts FSOptions) (*FSShardStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("NewFSShardStore: baseDir is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("NewFSShardStore: mkdir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &FSShardStore{baseDir: baseDir, directIO: opts.DirectIO, log: opts.Logger}, nil
}

func checkObjectID(object string) error {
	// Only the canonical form, so ids map to exactly one directory.
	if id, err := uuid.Parse(object); err != nil || id.String() != object {
		return fmt.Errorf("%w %q", ErrInvalidObjectID, object)
	}
	return nil
}

func (s *FSShardStore) objectDir(object string) string {
	return filepath.Join(s.baseDir, object)
}

func (s *FSShardStore) shardPath(object string, shard int) string {
	return filepath.Join(s.objectDir(object), "shard."+strconv.Itoa(shard))
}

// blockAligned reports whether a transfer can go through O_DIRECT.
func blockAligned(off, length uint64) bool {
	bs := uint64(directio.BlockSize)
	return length > 0 && off%bs == 0 && length%bs == 0
}

// openShard opens a shard file, with O_DIRECT when requested and
// supported. Filesystems that reject O_DIRECT fall back to buffered I/O.
func (s *FSShardStore) openShard(path string, flag int, direct bool) (*os.File, error) {
	if direct {
		f, err := directio.OpenFile(path, flag, 0o644)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"path":  path,
			"error": err,
		}).Debug("direct I/O unavailable, using buffered I/O")
	}
	return os.OpenFile(path, flag, 0o644)
}

// WriteShard writes buf to the shard file at off.
func (s *FSShardStore) WriteShard(object string, shard int, off uint64, buf bufferlist.List) error {
	if err := checkObjectID(object); err != nil {
		return fmt.Errorf("WriteShard: %w", err)
	}
	if buf.Empty() {
		return nil
	}
	if err := os.MkdirAll(s.objectDir(object), 0o755); err != nil {
		return fmt.Errorf("WriteShard: mkdir: %w", err)
	}

	direct := s.directIO && blockAligned(off, buf.Len())
	var data []byte
	if direct {
		if buf.NumSegments() == 1 && bufferlist.IsAlignedPtr(buf.Segment(0), uint64(directio.AlignSize)) {
			data = buf.Segment(0)
		} else {
			data = directio.AlignedBlock(int(buf.Len()))
			buf.CopyTo(data)
		}
	} else {
		data = buf.Bytes()
	}

	f, err := s.openShard(s.shardPath(object, shard), os.O_WRONLY|os.O_CREATE, direct)
	if err != nil {
		return fmt.Errorf("WriteShard: open: %w", err)
	}
	if _, err := f.WriteAt(data, int64(off)); err != nil {
		_ = f.Close()
		return fmt.Errorf("WriteShard: write shard %d: %w", shard, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("WriteShard: close: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"object": object,
		"shard":  shard,
		"offset": off,
		"length": buf.Len(),
	}).Debug("wrote shard extent")
	return nil
}

// ReadShard reads [off, off+length) of a shard.
func (s *FSShardStore) ReadShard(object string, shard int, off, length uint64) ([]byte, error) {
	if err := checkObjectID(object); err != nil {
		return nil, fmt.Errorf("ReadShard: %w", err)
	}
	if length == 0 {
		return nil, nil
	}

	direct := s.directIO && blockAligned(off, length)
	f, err := s.openShard(s.shardPath(object, shard), os.O_RDONLY, direct)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("ReadShard: shard %d: %w", shard, ErrShardNotFound)
		}
		return nil, fmt.Errorf("ReadShard: open: %w", err)
	}
	defer f.Close()

	var data []byte
	if direct {
		data = directio.AlignedBlock(int(length))
	} else {
		data = make([]byte, length)
	}
	n, err := f.ReadAt(data, int64(off))
	if uint64(n) < length {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("ReadShard: shard %d %d~%d: read %d bytes: %w", shard, off, length, n, err)
	}
	return data, nil
}

// ShardSize stats the shard file.
func (s *FSShardStore) ShardSize(object string, shard int) (uint64, error) {
	if err := checkObjectID(object); err != nil {
		return 0, fmt.Errorf("ShardSize: %w", err)
	}
	st, err := os.Stat(s.shardPath(object, shard))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("ShardSize: shard %d: %w", shard, ErrShardNotFound)
		}
		return 0, fmt.Errorf("ShardSize: stat: %w", err)
	}
	return uint64(st.Size()), nil
}

// DeleteShard removes the shard file if it exists, otherwise it's a no-op.
func (s *FSShardStore) DeleteShard(object string, shard int) error {
	if err := checkObjectID(object); err != nil {
		return fmt.Errorf("DeleteShard: %w", err)
	}
	err := os.Remove(s.shardPath(object, shard))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("DeleteShard: remove: %w", err)
	}
	return nil
}

// PutMeta writes meta.json atomically: temp file then rename.
func (s *FSShardStore) PutMeta(meta *ObjectMeta) error {
	if meta == nil {
		return fmt.Errorf("PutMeta: meta is nil")
	}
	if err := checkObjectID(meta.ID); err != nil {
		return fmt.Errorf("PutMeta: %w", err)
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("PutMeta: marshal: %w", err)
	}
	dir := s.objectDir(meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("PutMeta: mkdir: %w", err)
	}

	path := filepath.Join(dir, metaFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("PutMeta: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("PutMeta: rename: %w", err)
	}
	return nil
}

// GetMeta reads meta.json of object.
func (s *FSShardStore) GetMeta(object string) (*ObjectMeta, error) {
	if err := checkObjectID(object); err != nil {
		return nil, fmt.Errorf("GetMeta: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(s.objectDir(object), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("GetMeta: %s: %w", object, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("GetMeta: read: %w", err)
	}
	var meta ObjectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("GetMeta: parse %s: %w", object, err)
	}
	return &meta, nil
}

// DeleteObject removes the object directory.
func (s *FSShardStore) DeleteObject(object string) error {
	if err := checkObjectID(object); err != nil {
		return fmt.Errorf("DeleteObject: %w", err)
	}
	if err := os.RemoveAll(s.objectDir(object)); err != nil {
		return fmt.Errorf("DeleteObject: %w", err)
	}
	return nil
}

// ListObjects scans baseDir for object directories holding metadata.
func (s *FSShardStore) ListObjects() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("ListObjects: readdir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if checkObjectID(entry.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), metaFile)); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}
