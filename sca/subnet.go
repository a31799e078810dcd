package sca

import (
	"io"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/internal/cborutil"
	"github.com/ipc-labs/sca/tcid"
)

// CrossMsgsAMTBitwidth is the bitwidth used for every per-subnet
// StorableMsg AMT (top_down_msgs), carried over from sa8-eudico's
// sca_state.go constant of the same name.
const CrossMsgsAMTBitwidth = 3

// Status describes where a subnet sits in its registry lifecycle, per
// spec.md's Subnet invariant `stake >= min_stake <=> status=Active`.
type Status uint64

const (
	StatusActive Status = iota
	StatusInactive
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Subnet is one entry in the SCA's subnet registry.
type Subnet struct {
	ID             hierarchical.SubnetID
	Stake          big.Int
	TopDownMsgs    tcid.TAmt[StorableMsg, *StorableMsg]
	Nonce          uint64
	CircSupply     big.Int
	Status         Status
	PrevCheckpoint Checkpoint
}

// newSubnet registers a fresh, Active subnet with an empty top-down queue,
// mirroring sa8-eudico's registerSubnet.
func newSubnet(store adt.Store, id hierarchical.SubnetID, stake big.Int) (*Subnet, error) {
	emptyQueue, err := tcid.NewAmt[StorableMsg, *StorableMsg](store, CrossMsgsAMTBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to create empty top-down msg queue: %w", err)
	}
	return &Subnet{
		ID:          id,
		Stake:       stake,
		TopDownMsgs: emptyQueue,
		CircSupply:  big.Zero(),
		Status:      StatusActive,
	}, nil
}

// updateStatus flips Active/Inactive according to spec.md's invariant
// `status=Active <=> stake >= minStake`; never touches a Killed subnet.
func (sh *Subnet) updateStatus(minStake big.Int) {
	if sh.Status == StatusKilled {
		return
	}
	if sh.Stake.GreaterThanEqual(minStake) {
		sh.Status = StatusActive
	} else {
		sh.Status = StatusInactive
	}
}

// addStake increases stake and recomputes status.
func (sh *Subnet) addStake(minStake, value big.Int) {
	sh.Stake = big.Add(sh.Stake, value)
	sh.updateStatus(minStake)
}

// releaseStake decreases stake and recomputes status; rejects releasing
// more than is staked, per spec.md §4.4.
func (sh *Subnet) releaseStake(minStake, value big.Int) error {
	if value.GreaterThan(sh.Stake) {
		return xerrors.Errorf("cannot release more stake than the subnet has: have %s, want %s", sh.Stake, value)
	}
	sh.Stake = big.Sub(sh.Stake, value)
	sh.updateStatus(minStake)
	return nil
}

// commitTopDownMsg appends msg at sh.Nonce, then advances the nonce and
// circulating supply, the bookkeeping spec.md §4.6 assigns to fund/send_cross.
func (sh *Subnet) commitTopDownMsg(store adt.Store, msg *StorableMsg) error {
	msg.Nonce = sh.Nonce
	if err := sh.TopDownMsgs.Modify(store, func(arr *adt.Array) error {
		return arr.Set(sh.Nonce, msg)
	}); err != nil {
		return xerrors.Errorf("failed to commit top-down message: %w", err)
	}
	sh.Nonce++
	sh.CircSupply = big.Add(sh.CircSupply, msg.Value)
	return nil
}

// releaseCircSupply subtracts value from circulating supply, rejecting an
// over-release per spec.md's subnet.rs grounding (release_supply errors if
// circ_supply < value).
func (sh *Subnet) releaseCircSupply(value big.Int) error {
	if value.GreaterThan(sh.CircSupply) {
		return xerrors.Errorf("cannot release more supply than is circulating: have %s, want %s", sh.CircSupply, value)
	}
	sh.CircSupply = big.Sub(sh.CircSupply, value)
	return nil
}

func (sh *Subnet) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 7); err != nil {
		return err
	}
	if err := sh.ID.MarshalCBOR(w); err != nil {
		return err
	}
	if err := sh.Stake.MarshalCBOR(w); err != nil {
		return err
	}
	if err := sh.TopDownMsgs.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, sh.Nonce); err != nil {
		return err
	}
	if err := sh.CircSupply.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, uint64(sh.Status)); err != nil {
		return err
	}
	return sh.PrevCheckpoint.MarshalCBOR(w)
}

func (sh *Subnet) UnmarshalCBOR(r io.Reader) error {
	*sh = Subnet{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 7); err != nil {
		return err
	}
	if err := (&sh.ID).UnmarshalCBOR(br); err != nil {
		return err
	}
	if err := (&sh.Stake).UnmarshalCBOR(br); err != nil {
		return err
	}
	if err := (&sh.TopDownMsgs).UnmarshalCBOR(br); err != nil {
		return err
	}
	nonce, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	sh.Nonce = nonce
	if err := (&sh.CircSupply).UnmarshalCBOR(br); err != nil {
		return err
	}
	status, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	sh.Status = Status(status)
	return (&sh.PrevCheckpoint).UnmarshalCBOR(br)
}
