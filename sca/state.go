package sca

import (
	"io"

	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/specs-actors/v7/actors/builtin"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/internal/cborutil"
	"github.com/ipc-labs/sca/tcid"
)

// Constants carried over from sa8-eudico's sca_state.go.
const (
	DefaultCheckpointPeriod = abi.ChainEpoch(10)
	MinCheckpointPeriod     = abi.ChainEpoch(10)

	// MaxNonce doubles as the initial value of AppliedBottomUpNonce: the
	// first applied message carries nonce 0, and 0 == MaxNonce+1 (mod 2^64),
	// so seeding the counter at MaxNonce lets the +1 bump work uniformly
	// without a "first call" special case. Ported verbatim from
	// sa8-eudico's ConstructSCAState comment.
	MaxNonce = ^uint64(0)
)

// MinSubnetStake is the default minimum collateral required to register a
// subnet, kept at 1 FIL as sa8-eudico's MinSubnetStake does pending a real
// governance value.
var MinSubnetStake = abi.NewTokenAmount(1e18)

// ConstructorParams are the Constructor method's parameters, per spec.md's
// method-surface table (method 1).
type ConstructorParams struct {
	NetworkName      string
	CheckpointPeriod int64
	MinStake         big.Int
}

// SCAState is the SCA's root object, per spec.md §3's State entity.
type SCAState struct {
	NetworkName hierarchical.SubnetID
	MinStake    big.Int

	Subnets      tcid.THamt[Subnet, *Subnet]
	TotalSubnets uint64

	CheckPeriod abi.ChainEpoch
	Checkpoints tcid.THamt[Checkpoint, *Checkpoint]

	Nonce            uint64 // next bottom-up meta nonce
	BottomUpMsgsMeta tcid.TAmt[CrossMsgMeta, *CrossMsgMeta]

	AppliedBottomUpNonce uint64
	AppliedTopDownNonce  uint64

	AtomicExecRegistry tcid.THamt[AtomicExec, *AtomicExec]
}

// ConstructSCAState builds the genesis SCA state, per spec.md's method-1
// Constructor effect.
func ConstructSCAState(store adt.Store, params *ConstructorParams) (*SCAState, error) {
	emptySubnets, err := tcid.NewHamt[Subnet, *Subnet](store, builtin.DefaultHamtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to create empty subnets map: %w", err)
	}
	emptyCheckpoints, err := tcid.NewHamt[Checkpoint, *Checkpoint](store, builtin.DefaultHamtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to create empty checkpoints map: %w", err)
	}
	emptyBottomUpMeta, err := tcid.NewAmt[CrossMsgMeta, *CrossMsgMeta](store, CrossMsgsAMTBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to create empty bottom-up meta amt: %w", err)
	}
	emptyExecs, err := tcid.NewHamt[AtomicExec, *AtomicExec](store, builtin.DefaultHamtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to create empty atomic exec registry: %w", err)
	}

	period := abi.ChainEpoch(params.CheckpointPeriod)
	if period < MinCheckpointPeriod {
		period = DefaultCheckpointPeriod
	}

	minStake := params.MinStake
	if minStake.IsZero() {
		minStake = MinSubnetStake
	}

	return &SCAState{
		NetworkName:          hierarchical.SubnetID(params.NetworkName),
		MinStake:             minStake,
		Subnets:              emptySubnets,
		CheckPeriod:          period,
		Checkpoints:          emptyCheckpoints,
		BottomUpMsgsMeta:     emptyBottomUpMeta,
		AppliedBottomUpNonce: MaxNonce,
		AtomicExecRegistry:   emptyExecs,
	}, nil
}

// GetSubnet loads a subnet by id.
func (st *SCAState) GetSubnet(store adt.Store, id hierarchical.SubnetID) (*Subnet, bool, error) {
	sh, found, err := st.Subnets.Get(store, hierarchical.NewSubnetKey(id))
	if err != nil {
		return nil, false, xerrors.Errorf("failed to get subnet %s: %w", id, err)
	}
	return sh, found, nil
}

// registerSubnet creates and flushes a fresh subnet entry, per spec.md §4.4.
func (st *SCAState) registerSubnet(store adt.Store, id hierarchical.SubnetID, stake big.Int) (*Subnet, error) {
	sh, err := newSubnet(store, id, stake)
	if err != nil {
		return nil, err
	}
	if err := st.flushSubnet(store, sh); err != nil {
		return nil, err
	}
	st.TotalSubnets++
	return sh, nil
}

// flushSubnet writes sh back into the subnet registry.
func (st *SCAState) flushSubnet(store adt.Store, sh *Subnet) error {
	if err := st.Subnets.Modify(store, func(m *adt.Map) error {
		return m.Put(hierarchical.NewSubnetKey(sh.ID), sh)
	}); err != nil {
		return xerrors.Errorf("failed to flush subnet %s: %w", sh.ID, err)
	}
	return nil
}

// removeSubnet deletes id from the registry, per Kill's effect.
func (st *SCAState) removeSubnet(store adt.Store, id hierarchical.SubnetID) error {
	if err := st.Subnets.Modify(store, func(m *adt.Map) error {
		return m.Delete(hierarchical.NewSubnetKey(id))
	}); err != nil {
		return xerrors.Errorf("failed to remove subnet %s: %w", id, err)
	}
	st.TotalSubnets--
	return nil
}

// ListSubnets enumerates every registered subnet, for diagnostics/tests.
func (st *SCAState) ListSubnets(store adt.Store) ([]Subnet, error) {
	var out []Subnet
	err := st.Subnets.ForEach(store, func(_ string, sh *Subnet) error {
		out = append(out, *sh)
		return nil
	})
	return out, err
}

// GetCheckpoint loads the checkpoint stored at epoch, if any.
func (st *SCAState) GetCheckpoint(store adt.Store, epoch abi.ChainEpoch) (*Checkpoint, bool, error) {
	ch, found, err := st.Checkpoints.Get(store, adt.UIntKey(uint64(epoch)))
	if err != nil {
		return nil, false, xerrors.Errorf("failed to get checkpoint for epoch %d: %w", epoch, err)
	}
	return ch, found, nil
}

// CurrWindowCheckpoint returns the (possibly freshly templated) checkpoint
// for the window bucket containing epoch, per spec.md §4.5 step 3.
func (st *SCAState) CurrWindowCheckpoint(store adt.Store, epoch abi.ChainEpoch) (*Checkpoint, error) {
	bucket := WindowEpoch(epoch, st.CheckPeriod)
	ch, found, err := st.GetCheckpoint(store, bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return NewCheckpoint(st.NetworkName, bucket), nil
	}
	return ch, nil
}

// flushCheckpoint writes ch back into the checkpoints map, keyed by its
// window epoch, sorting it into canonical order first.
func (st *SCAState) flushCheckpoint(store adt.Store, ch *Checkpoint) error {
	ch.sortCanonical()
	if err := st.Checkpoints.Modify(store, func(m *adt.Map) error {
		return m.Put(adt.UIntKey(uint64(ch.Epoch)), ch)
	}); err != nil {
		return xerrors.Errorf("failed to flush checkpoint at epoch %d: %w", ch.Epoch, err)
	}
	return nil
}

// subnetFromActorAddr resolves a subnet actor's raw address, as seen by the
// immediate caller, to its SubnetID under this network.
func (st *SCAState) subnetFromActorAddr(store adt.Store, addr address.Address) (*Subnet, bool, error) {
	id := hierarchical.NewSubnetID(st.NetworkName, addr)
	return st.GetSubnet(store, id)
}

// pushBottomUpMeta appends m at State.Nonce, then advances it, per spec.md
// §4.5 step 5's "bottom-up deliveries" bookkeeping.
func (st *SCAState) pushBottomUpMeta(store adt.Store, m *CrossMsgMeta) error {
	m.Nonce = st.Nonce
	if err := st.BottomUpMsgsMeta.Modify(store, func(arr *adt.Array) error {
		return arr.Set(st.Nonce, m)
	}); err != nil {
		return xerrors.Errorf("failed to push bottom-up meta: %w", err)
	}
	st.Nonce++
	return nil
}

func (st *SCAState) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 11); err != nil {
		return err
	}
	if err := st.NetworkName.MarshalCBOR(w); err != nil {
		return err
	}
	if err := st.MinStake.MarshalCBOR(w); err != nil {
		return err
	}
	if err := st.Subnets.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, st.TotalSubnets); err != nil {
		return err
	}
	if err := cborutil.WriteInt64(w, int64(st.CheckPeriod)); err != nil {
		return err
	}
	if err := st.Checkpoints.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, st.Nonce); err != nil {
		return err
	}
	if err := st.BottomUpMsgsMeta.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, st.AppliedBottomUpNonce); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, st.AppliedTopDownNonce); err != nil {
		return err
	}
	return st.AtomicExecRegistry.MarshalCBOR(w)
}

func (st *SCAState) UnmarshalCBOR(r io.Reader) error {
	*st = SCAState{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 11); err != nil {
		return err
	}
	if err := (&st.NetworkName).UnmarshalCBOR(br); err != nil {
		return err
	}
	if err := (&st.MinStake).UnmarshalCBOR(br); err != nil {
		return err
	}
	if err := (&st.Subnets).UnmarshalCBOR(br); err != nil {
		return err
	}
	totalSubnets, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	st.TotalSubnets = totalSubnets
	period, err := cborutil.ReadInt64(br, scratch)
	if err != nil {
		return err
	}
	st.CheckPeriod = abi.ChainEpoch(period)
	if err := (&st.Checkpoints).UnmarshalCBOR(br); err != nil {
		return err
	}
	nonce, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	st.Nonce = nonce
	if err := (&st.BottomUpMsgsMeta).UnmarshalCBOR(br); err != nil {
		return err
	}
	appliedBU, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	st.AppliedBottomUpNonce = appliedBU
	appliedTD, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	st.AppliedTopDownNonce = appliedTD
	return (&st.AtomicExecRegistry).UnmarshalCBOR(br)
}
