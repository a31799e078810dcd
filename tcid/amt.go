package tcid

import (
	"io"

	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/internal/cborutil"
)

// TAmt is a Cid known to address an AMT[uint64]V with the given bitwidth,
// the Go counterpart of original_source's TCid<Amt<V,W>>. Used for the
// nonce-indexed cross-message collections (BottomUpMsgsMeta, TopDownMsgs).
type TAmt[V any, PV CborPtr[V]] struct {
	c        cid.Cid
	Bitwidth int
}

// NewAmt creates and stores an empty AMT.
func NewAmt[V any, PV CborPtr[V]](store adt.Store, bitwidth int) (TAmt[V, PV], error) {
	c, err := adt.StoreEmptyArray(store, bitwidth)
	if err != nil {
		return TAmt[V, PV]{}, xerrors.Errorf("failed to create empty amt: %w", err)
	}
	return TAmt[V, PV]{c: c, Bitwidth: bitwidth}, nil
}

// AmtOf wraps an already-known AMT root Cid.
func AmtOf[V any, PV CborPtr[V]](c cid.Cid, bitwidth int) TAmt[V, PV] {
	return TAmt[V, PV]{c: c, Bitwidth: bitwidth}
}

func (a TAmt[V, PV]) Cid() cid.Cid { return a.c }

// Array loads the underlying adt.Array for direct use.
func (a TAmt[V, PV]) Array(store adt.Store) (*adt.Array, error) {
	return adt.AsArray(store, a.c, a.Bitwidth)
}

// Get decodes the value at index into a fresh V.
func (a TAmt[V, PV]) Get(store adt.Store, index uint64) (PV, bool, error) {
	arr, err := a.Array(store)
	if err != nil {
		return nil, false, err
	}
	out := PV(new(V))
	found, err := arr.Get(index, out)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to get amt entry: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return out, true, nil
}

// ForEach decodes each element into one reused V and passes it to f with its
// index; the value f receives is overwritten by the next element.
func (a TAmt[V, PV]) ForEach(store adt.Store, f func(index uint64, v PV) error) error {
	arr, err := a.Array(store)
	if err != nil {
		return err
	}
	val := PV(new(V))
	return arr.ForEach(val, func(i int64) error {
		return f(uint64(i), val)
	})
}

// Modify loads the AMT, applies f to the live adt.Array, and flushes the
// result into the receiver's Cid only once f returns without error.
func (a *TAmt[V, PV]) Modify(store adt.Store, f func(arr *adt.Array) error) error {
	arr, err := a.Array(store)
	if err != nil {
		return err
	}
	if err := f(arr); err != nil {
		return err
	}
	root, err := arr.Root()
	if err != nil {
		return xerrors.Errorf("failed to flush amt: %w", err)
	}
	a.c = root
	return nil
}

func (a TAmt[V, PV]) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteCid(w, a.c)
}

func (a *TAmt[V, PV]) UnmarshalCBOR(r io.Reader) error {
	br := cborutil.NewReader(r)
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return xerrors.Errorf("failed to read amt cid: %w", err)
	}
	a.c = c
	return nil
}
