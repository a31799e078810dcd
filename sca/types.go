// Package sca implements the Subnet Coordinator Actor: subnet registry and
// stake accounting, cross-message routing and classification, checkpoint
// commitment, and the atomic-execution orchestrator. Grounded primarily on
// sa8-eudico's chain/consensus/hierarchical/actors/sca package, generalized
// against original_source/actors/hierarchical_sca (lib.rs, cross.rs,
// subnet.rs, exec.rs, primitives/src/{types,atomic}.rs) wherever the Go
// teacher's distilled method bodies omit semantics the spec requires.
package sca

import (
	"io"
	"sort"

	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/internal/cborutil"
)

// METHOD_SEND mirrors fvm_shared::METHOD_SEND, the conventional method
// number for a plain value transfer with no side effects.
const METHOD_SEND = abi.MethodNum(0)

// HCMsgType classifies a StorableMsg relative to a subnet, per
// original_source's primitives::types::HCMsgType and spec.md §4.3.
type HCMsgType int

const (
	Unknown HCMsgType = iota
	BottomUp
	TopDown
)

func (t HCMsgType) String() string {
	switch t {
	case BottomUp:
		return "bottom-up"
	case TopDown:
		return "top-down"
	default:
		return "unknown"
	}
}

// StorableMsg is the persisted form of a cross-message: everything needed to
// reconstruct and later replay a real inter-actor call, since the actor
// cannot retain a live types.Message across state transitions (see
// original_source's types.rs doc comment on StorableMsg).
type StorableMsg struct {
	From   hierarchical.Address
	To     hierarchical.Address
	Method abi.MethodNum
	Params []byte
	Value  big.Int
	Nonce  uint64
}

// NewFundMsg builds the top-down transfer message Fund commits into dst's
// top_down_msgs queue: from = parent(dst)/caller, to = dst/caller.
func NewFundMsg(dst hierarchical.SubnetID, caller address.Address, value big.Int) (StorableMsg, error) {
	parent, err := dst.Parent()
	if err != nil {
		return StorableMsg{}, xerrors.Errorf("cannot fund the root network: %w", err)
	}
	from, err := hierarchical.NewHierarchicalAddress(parent, caller)
	if err != nil {
		return StorableMsg{}, err
	}
	to, err := hierarchical.NewHierarchicalAddress(dst, caller)
	if err != nil {
		return StorableMsg{}, err
	}
	return StorableMsg{From: from, To: to, Method: METHOD_SEND, Value: value}, nil
}

// NewReleaseMsg builds the bottom-up transfer message Release aggregates
// into the current window checkpoint: from = src/burnSink, to = parent/caller.
func NewReleaseMsg(src hierarchical.SubnetID, burnSink, caller address.Address, value big.Int, nonce uint64) (StorableMsg, error) {
	parent, err := src.Parent()
	if err != nil {
		return StorableMsg{}, xerrors.Errorf("cannot release from the root network: %w", err)
	}
	from, err := hierarchical.NewHierarchicalAddress(src, burnSink)
	if err != nil {
		return StorableMsg{}, err
	}
	to, err := hierarchical.NewHierarchicalAddress(parent, caller)
	if err != nil {
		return StorableMsg{}, err
	}
	return StorableMsg{From: from, To: to, Method: METHOD_SEND, Value: value, Nonce: nonce}, nil
}

// HCType is the message's native direction, independent of any observer
// subnet: BottomUp iff from lies strictly below common_parent(from, to).
func (m StorableMsg) HCType() (HCMsgType, error) {
	if isBottomUp(m.From.Subnet, m.To.Subnet) {
		return BottomUp, nil
	}
	return TopDown, nil
}

// ApplyType is the message's effective direction when observed for
// application at curr, per spec.md §4.3: BottomUp iff the native direction
// is BottomUp and curr shares the same common parent with To as From does;
// otherwise the message keeps moving upward (TopDown from curr's point of
// view) even if curr is itself an ancestor of the true common parent.
func (m StorableMsg) ApplyType(curr hierarchical.SubnetID) (HCMsgType, error) {
	native, err := m.HCType()
	if err != nil {
		return Unknown, err
	}
	currCP, _, _ := curr.CommonParent(m.To.Subnet)
	fromCP, _, _ := m.From.Subnet.CommonParent(m.To.Subnet)
	if native == BottomUp && currCP == fromCP {
		return BottomUp, nil
	}
	return TopDown, nil
}

// isBottomUp mirrors original_source's types::is_bottomup: a message from
// `from` to `to` is bottom-up iff `from`'s depth is strictly greater than
// the depth of their common parent, i.e. `from` sits below that ancestor.
func isBottomUp(from, to hierarchical.SubnetID) bool {
	_, index, ok := from.CommonParent(to)
	if !ok {
		return false
	}
	return from.Depth() > index
}

// CrossMsgMeta aggregates the StorableMsgs travelling between one (from,to)
// subnet pair within a single checkpoint window, per spec.md's Aggregate
// Entities table and original_source's cross.rs MetaTag/CrossMsgs.
type CrossMsgMeta struct {
	From    hierarchical.SubnetID
	To      hierarchical.SubnetID
	MsgsCid cid.Cid
	Nonce   uint64
	Value   big.Int
}

// sameRoute reports whether two metas share a (from,to) pair, the identity
// spec.md assigns to CrossMsgMeta.
func (m CrossMsgMeta) sameRoute(o CrossMsgMeta) bool {
	return m.From.Equals(o.From) && m.To.Equals(o.To)
}

// SortCrossMsgMeta orders metas canonically by (From, To) so that two
// checkpoints built from the same underlying deliveries, regardless of
// arrival order, serialize identically -- the resolution to spec.md §9's
// window-checkpoint-ordering open question.
func SortCrossMsgMeta(metas []CrossMsgMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].From != metas[j].From {
			return metas[i].From < metas[j].From
		}
		return metas[i].To < metas[j].To
	})
}

// --- hand-authored cbor-gen style marshaling, in the teacher's positional
// tuple convention (see internal/cborutil) ---

func (m *StorableMsg) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 6); err != nil {
		return err
	}
	if err := m.From.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("marshaling From: %w", err)
	}
	if err := m.To.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("marshaling To: %w", err)
	}
	if err := cborutil.WriteUint64(w, uint64(m.Method)); err != nil {
		return xerrors.Errorf("marshaling Method: %w", err)
	}
	if err := cborutil.WriteBytes(w, m.Params); err != nil {
		return xerrors.Errorf("marshaling Params: %w", err)
	}
	if err := m.Value.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("marshaling Value: %w", err)
	}
	if err := cborutil.WriteUint64(w, m.Nonce); err != nil {
		return xerrors.Errorf("marshaling Nonce: %w", err)
	}
	return nil
}

func (m *StorableMsg) UnmarshalCBOR(r io.Reader) error {
	*m = StorableMsg{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 6); err != nil {
		return err
	}
	if err := (&m.From).UnmarshalCBOR(br); err != nil {
		return xerrors.Errorf("unmarshaling From: %w", err)
	}
	if err := (&m.To).UnmarshalCBOR(br); err != nil {
		return xerrors.Errorf("unmarshaling To: %w", err)
	}
	method, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return xerrors.Errorf("unmarshaling Method: %w", err)
	}
	m.Method = abi.MethodNum(method)
	params, err := cborutil.ReadBytes(br, scratch)
	if err != nil {
		return xerrors.Errorf("unmarshaling Params: %w", err)
	}
	m.Params = params
	if err := m.Value.UnmarshalCBOR(br); err != nil {
		return xerrors.Errorf("unmarshaling Value: %w", err)
	}
	nonce, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return xerrors.Errorf("unmarshaling Nonce: %w", err)
	}
	m.Nonce = nonce
	return nil
}

func (m *CrossMsgMeta) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 5); err != nil {
		return err
	}
	if err := m.From.MarshalCBOR(w); err != nil {
		return err
	}
	if err := m.To.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, m.MsgsCid); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, m.Nonce); err != nil {
		return err
	}
	return m.Value.MarshalCBOR(w)
}

func (m *CrossMsgMeta) UnmarshalCBOR(r io.Reader) error {
	*m = CrossMsgMeta{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 5); err != nil {
		return err
	}
	if err := (&m.From).UnmarshalCBOR(br); err != nil {
		return err
	}
	if err := (&m.To).UnmarshalCBOR(br); err != nil {
		return err
	}
	msgsCid, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	m.MsgsCid = msgsCid
	nonce, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	m.Nonce = nonce
	return m.Value.UnmarshalCBOR(br)
}
