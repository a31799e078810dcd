package tcid

import (
	"io"

	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/internal/cborutil"
)

// THamt is a Cid known to address a HAMT[K]V with the given bitwidth, the Go
// counterpart of original_source's TCid<Hamt<K,V,W>>. Bitwidth is a runtime
// field rather than a type parameter (see package doc in store.go).
type THamt[V any, PV CborPtr[V]] struct {
	c        cid.Cid
	Bitwidth int
}

// NewHamt creates and stores an empty HAMT, returning the THamt addressing
// it, the same sequence ConstructSCAState uses for every Hamt-shaped field
// (adt.StoreEmptyMap followed by wrapping the returned Cid).
func NewHamt[V any, PV CborPtr[V]](store adt.Store, bitwidth int) (THamt[V, PV], error) {
	c, err := adt.StoreEmptyMap(store, bitwidth)
	if err != nil {
		return THamt[V, PV]{}, xerrors.Errorf("failed to create empty hamt: %w", err)
	}
	return THamt[V, PV]{c: c, Bitwidth: bitwidth}, nil
}

// HamtOf wraps an already-known HAMT root Cid.
func HamtOf[V any, PV CborPtr[V]](c cid.Cid, bitwidth int) THamt[V, PV] {
	return THamt[V, PV]{c: c, Bitwidth: bitwidth}
}

func (h THamt[V, PV]) Cid() cid.Cid { return h.c }

// Map loads the underlying adt.Map for direct use (Get/ForEach/...).
func (h THamt[V, PV]) Map(store adt.Store) (*adt.Map, error) {
	return adt.AsMap(store, h.c, h.Bitwidth)
}

// Get looks up key, decoding the stored value into a fresh V.
func (h THamt[V, PV]) Get(store adt.Store, key adt.Keyer) (PV, bool, error) {
	m, err := h.Map(store)
	if err != nil {
		return nil, false, err
	}
	out := PV(new(V))
	found, err := m.Get(key, out)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to get hamt entry: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return out, true, nil
}

// ForEach decodes each value into one reused V and passes it to f alongside
// the raw key; the value f receives is overwritten by the next entry.
func (h THamt[V, PV]) ForEach(store adt.Store, f func(key string, v PV) error) error {
	m, err := h.Map(store)
	if err != nil {
		return err
	}
	val := PV(new(V))
	return m.ForEach(val, func(k string) error {
		return f(k, val)
	})
}

// Modify loads the HAMT, applies f to the live adt.Map, and flushes the
// result into the receiver's Cid only once f returns without error.
func (h *THamt[V, PV]) Modify(store adt.Store, f func(m *adt.Map) error) error {
	m, err := h.Map(store)
	if err != nil {
		return err
	}
	if err := f(m); err != nil {
		return err
	}
	root, err := m.Root()
	if err != nil {
		return xerrors.Errorf("failed to flush hamt: %w", err)
	}
	h.c = root
	return nil
}

func (h THamt[V, PV]) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteCid(w, h.c)
}

func (h *THamt[V, PV]) UnmarshalCBOR(r io.Reader) error {
	br := cborutil.NewReader(r)
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return xerrors.Errorf("failed to read hamt cid: %w", err)
	}
	h.c = c
	return nil
}
