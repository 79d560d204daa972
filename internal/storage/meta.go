package storage

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kunal-geeks/ecstripe/internal/ecutil"
)

// ErrNoHashInfo is returned when an object carries no encoded HashInfo.
var ErrNoHashInfo = errors.New("object has no hash info")

// Layout records the stripe geometry an object was written with.
type Layout struct {
	K            int    `json:"k"`
	M            int    `json:"m"`
	ChunkSize    uint64 `json:"chunk_size"`
	ChunkMapping []int  `json:"chunk_mapping,omitempty"`
}

// LayoutOf returns the layout of sinfo.
func LayoutOf(sinfo *ecutil.StripeInfo) Layout {
	return Layout{
		K:            sinfo.K(),
		M:            sinfo.M(),
		ChunkSize:    sinfo.ChunkSize(),
		ChunkMapping: sinfo.ChunkMapping(),
	}
}

// Matches reports whether objects written with l can be read through sinfo.
func (l Layout) Matches(sinfo *ecutil.StripeInfo) bool {
	return l.K == sinfo.K() && l.M == sinfo.M() && l.ChunkSize == sinfo.ChunkSize() &&
		slices.Equal(l.ChunkMapping, sinfo.ChunkMapping())
}

// ObjectMeta describes an erasure-coded object. Attrs holds opaque
// attributes; the encoded HashInfo lives under ecutil.HinfoKey.
type ObjectMeta struct {
	ID     string            `json:"id"`
	Name   string            `json:"name,omitempty"`
	Size   uint64            `json:"size"` // logical object size in bytes
	Layout Layout            `json:"layout"`
	Attrs  map[string][]byte `json:"attrs,omitempty"`
}

// HashInfo decodes the object's HashInfo attribute.
func (m *ObjectMeta) HashInfo() (*ecutil.HashInfo, error) {
	raw, ok := m.Attrs[ecutil.HinfoKey]
	if !ok {
		return nil, fmt.Errorf("ObjectMeta.HashInfo: %s: %w", m.ID, ErrNoHashInfo)
	}
	var h ecutil.HashInfo
	if err := h.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("ObjectMeta.HashInfo: %s: %w", m.ID, err)
	}
	return &h, nil
}

// SetHashInfo encodes h into the object's attributes.
func (m *ObjectMeta) SetHashInfo(h *ecutil.HashInfo) error {
	raw, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("ObjectMeta.SetHashInfo: %w", err)
	}
	if m.Attrs == nil {
		m.Attrs = make(map[string][]byte)
	}
	m.Attrs[ecutil.HinfoKey] = raw
	return nil
}

// SetAttr stores a user attribute. The HashInfo key is reserved.
func (m *ObjectMeta) SetAttr(key string, value []byte) error {
	if ecutil.IsHinfoKey(key) {
		return fmt.Errorf("ObjectMeta.SetAttr: %q is reserved", key)
	}
	if m.Attrs == nil {
		m.Attrs = make(map[string][]byte)
	}
	m.Attrs[key] = value
	return nil
}

// UserAttrs returns every attribute except the HashInfo.
func (m *ObjectMeta) UserAttrs() map[string][]byte {
	out := make(map[string][]byte, len(m.Attrs))
	for k, v := range m.Attrs {
		if !ecutil.IsHinfoKey(k) {
			out[k] = v
		}
	}
	return out
}
