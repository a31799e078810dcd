package tcid

import (
	"io"

	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/internal/cborutil"
)

// CborPtr constrains *V to the cbor-gen marshal contract every struct this
// module persists satisfies (hand-authored or otherwise), letting TLink load
// and flush a V without knowing its concrete type.
type CborPtr[V any] interface {
	*V
	cbg.CBORMarshaler
	cbg.CBORUnmarshaler
}

// TLink is a Cid known, at compile time, to address a single value of type V
// (PV = *V). It is the Go counterpart of original_source's TCid<Link<T>>.
// The zero TLink[V] has an Undef Cid and must not be dereferenced with Get
// until initialized via NewLink; see spec.md §4.1 on default-valued TCIDs.
type TLink[V any, PV CborPtr[V]] struct {
	c cid.Cid
}

// NewLink stores v and returns the TLink addressing it.
func NewLink[V any, PV CborPtr[V]](store adt.Store, v PV) (TLink[V, PV], error) {
	c, err := store.Put(store.Context(), v)
	if err != nil {
		return TLink[V, PV]{}, xerrors.Errorf("failed to store linked value: %w", err)
	}
	return TLink[V, PV]{c: c}, nil
}

// LinkOf wraps an already-known Cid, trusting the caller that it was
// produced by a prior NewLink/Modify of the same V.
func LinkOf[V any, PV CborPtr[V]](c cid.Cid) TLink[V, PV] {
	return TLink[V, PV]{c: c}
}

func (l TLink[V, PV]) Cid() cid.Cid {
	return l.c
}

func (l TLink[V, PV]) Defined() bool {
	return l.c.Defined()
}

// Get loads the linked value.
func (l TLink[V, PV]) Get(store adt.Store) (PV, error) {
	if !l.c.Defined() {
		return nil, xerrors.New("tcid: cannot load an undefined link")
	}
	out := PV(new(V))
	if err := store.Get(store.Context(), l.c, out); err != nil {
		return nil, xerrors.Errorf("failed to load linked value %s: %w", l.c, err)
	}
	return out, nil
}

// Modify loads the linked value, applies f, and flushes the result,
// reassigning the receiver's Cid only once f returns without error -- the
// atomic load-apply-flush discipline original_source's tcid_ops! macro
// documents ("modify: Load, modify and flush a value, returning something as
// a result"). On error the receiver is left pointing at its prior Cid.
func (l *TLink[V, PV]) Modify(store adt.Store, f func(PV) error) error {
	v, err := l.Get(store)
	if err != nil {
		return err
	}
	if err := f(v); err != nil {
		return err
	}
	newCid, err := store.Put(store.Context(), v)
	if err != nil {
		return xerrors.Errorf("failed to flush modified linked value: %w", err)
	}
	l.c = newCid
	return nil
}

// MarshalCBOR/UnmarshalCBOR let a TLink be embedded as a plain Cid field in
// any cbor-gen-style struct.
func (l TLink[V, PV]) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteCid(w, l.c)
}

func (l *TLink[V, PV]) UnmarshalCBOR(r io.Reader) error {
	br := cborutil.NewReader(r)
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return xerrors.Errorf("failed to read link cid: %w", err)
	}
	l.c = c
	return nil
}
