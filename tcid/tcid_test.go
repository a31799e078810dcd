package tcid_test

import (
	"io"
	"testing"

	"github.com/filecoin-project/specs-actors/v7/actors/builtin"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/stretchr/testify/require"

	"github.com/ipc-labs/sca/internal/cborutil"
	"github.com/ipc-labs/sca/tcid"
)

// testVal is a minimal cbor-gen-style struct used only to exercise the
// generic TLink/THamt/TAmt machinery.
type testVal struct {
	N uint64
}

func (v *testVal) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteUint64(w, v.N)
}

func (v *testVal) UnmarshalCBOR(r io.Reader) error {
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	n, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	v.N = n
	return nil
}

type strKey string

func (k strKey) Key() string { return string(k) }

func TestTLinkRoundTripAndAtomicModify(t *testing.T) {
	store := tcid.NewStore()

	link, err := tcid.NewLink[testVal, *testVal](store, &testVal{N: 7})
	require.NoError(t, err)
	require.True(t, link.Defined())

	loaded, err := link.Get(store)
	require.NoError(t, err)
	require.Equal(t, uint64(7), loaded.N)

	before := link.Cid()
	err = link.Modify(store, func(v *testVal) error {
		v.N = 42
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, before, link.Cid())

	loaded, err = link.Get(store)
	require.NoError(t, err)
	require.Equal(t, uint64(42), loaded.N)
}

func TestTLinkModifyLeavesCidUnchangedOnFailure(t *testing.T) {
	store := tcid.NewStore()
	link, err := tcid.NewLink[testVal, *testVal](store, &testVal{N: 1})
	require.NoError(t, err)
	before := link.Cid()

	err = link.Modify(store, func(v *testVal) error {
		return require.AnError
	})
	require.Error(t, err)
	require.Equal(t, before, link.Cid())
}

func TestTHamtPutGetForEach(t *testing.T) {
	store := tcid.NewStore()
	h, err := tcid.NewHamt[testVal, *testVal](store, builtin.DefaultHamtBitwidth)
	require.NoError(t, err)

	err = h.Modify(store, func(m *adt.Map) error {
		require.NoError(t, m.Put(strKey("a"), &testVal{N: 1}))
		require.NoError(t, m.Put(strKey("b"), &testVal{N: 2}))
		return nil
	})
	require.NoError(t, err)

	got, found, err := h.Get(store, strKey("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), got.N)

	seen := map[string]uint64{}
	require.NoError(t, h.ForEach(store, func(key string, v *testVal) error {
		seen[key] = v.N
		return nil
	}))
	require.Equal(t, map[string]uint64{"a": 1, "b": 2}, seen)
}

func TestTAmtPutGetForEach(t *testing.T) {
	store := tcid.NewStore()
	a, err := tcid.NewAmt[testVal, *testVal](store, 3)
	require.NoError(t, err)

	err = a.Modify(store, func(arr *adt.Array) error {
		require.NoError(t, arr.Set(0, &testVal{N: 10}))
		require.NoError(t, arr.Set(1, &testVal{N: 20}))
		return nil
	})
	require.NoError(t, err)

	got, found, err := a.Get(store, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(20), got.N)
}
