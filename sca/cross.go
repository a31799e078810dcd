package sca

import (
	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/tcid"
)

// SCAActor is the reserved address a top-down StorableMsg targets when it is
// meant for the SCA's own internal dispatch (run_cross_msg), per
// original_source's lib.rs and spec.md §6's reserved-address list. Defaults
// to t064, the teacher's genesis-assigned SubnetCoordActorAddr; an embedding
// chain overrides it via SetReservedAddresses with wherever it actually
// deploys the SCA.
var SCAActor = mustIDAddress(64)

func mustIDAddress(id uint64) address.Address {
	a, err := address.NewIDAddress(id)
	if err != nil {
		panic(err)
	}
	return a
}

// Deliverer forwards a cross-message's payload to its raw destination, the
// host round-trip (rt.Send) run_cross_msg performs once a message's
// destination subnet equals the current network but its raw address is not
// the SCA itself. sca/cross.go stays independent of the runtime package by
// taking this as a parameter; actor.go supplies the real rt.Send-backed one.
type Deliverer func(to address.Address, method abi.MethodNum, params []byte, value big.Int) error

// appendCrossMsg folds msg into ch's per-(from,to) CrossMsgMeta, batch-setting
// it into that route's underlying message Amt (original_source's
// CrossMsgs::add_msg), enforcing the (from,to,nonce) de-duplication spec.md
// §9 resolves as the safe default for cross-message aggregation.
func appendCrossMsg(store adt.Store, ch *Checkpoint, msg StorableMsg) error {
	for i := range ch.CrossMsgs {
		meta := &ch.CrossMsgs[i]
		if !meta.From.Equals(msg.From.Subnet) || !meta.To.Equals(msg.To.Subnet) {
			continue
		}
		arr, err := tcid.AmtOf[StorableMsg, *StorableMsg](meta.MsgsCid, CrossMsgsAMTBitwidth).Array(store)
		if err != nil {
			return xerrors.Errorf("failed to load cross-msgs amt for route %s->%s: %w", meta.From, meta.To, err)
		}
		if err := rejectDuplicateNonce(arr, msg.Nonce); err != nil {
			return err
		}
		if err := arr.Set(arr.Length(), &msg); err != nil {
			return xerrors.Errorf("failed to append cross msg: %w", err)
		}
		root, err := arr.Root()
		if err != nil {
			return xerrors.Errorf("failed to flush cross-msgs amt: %w", err)
		}
		meta.MsgsCid = root
		meta.Value = big.Add(meta.Value, msg.Value)
		return nil
	}

	amt, err := tcid.NewAmt[StorableMsg, *StorableMsg](store, CrossMsgsAMTBitwidth)
	if err != nil {
		return xerrors.Errorf("failed to create cross-msgs amt: %w", err)
	}
	if err := amt.Modify(store, func(arr *adt.Array) error {
		return arr.Set(0, &msg)
	}); err != nil {
		return xerrors.Errorf("failed to seed cross-msgs amt: %w", err)
	}
	ch.CrossMsgs = append(ch.CrossMsgs, CrossMsgMeta{
		From:    msg.From.Subnet,
		To:      msg.To.Subnet,
		MsgsCid: amt.Cid(),
		Nonce:   msg.Nonce,
		Value:   msg.Value,
	})
	return nil
}

// rejectDuplicateNonce enforces the (from,to,nonce) uniqueness spec.md §9
// resolves as the safe default for CrossMsgs::add_msg's dedup TODO: a route's
// underlying message Amt must not already carry an entry with this nonce.
func rejectDuplicateNonce(arr *adt.Array, nonce uint64) error {
	var dup bool
	var existing StorableMsg
	if err := arr.ForEach(&existing, func(i int64) error {
		if existing.Nonce == nonce {
			dup = true
		}
		return nil
	}); err != nil {
		return xerrors.Errorf("failed to scan cross-msgs amt for duplicates: %w", err)
	}
	if dup {
		return xerrors.Errorf("duplicate cross-message at nonce %d", nonce)
	}
	return nil
}

// Fund implements spec.md §4.6's fund: a top-down StorableMsg is minted and
// committed into dst's top_down_msgs queue.
func (st *SCAState) Fund(store adt.Store, dst hierarchical.SubnetID, caller address.Address, value big.Int) (*StorableMsg, error) {
	sh, found, err := st.GetSubnet(store, dst)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Errorf("subnet %s is not registered", dst)
	}
	msg, err := NewFundMsg(dst, caller, value)
	if err != nil {
		return nil, err
	}
	if err := sh.commitTopDownMsg(store, &msg); err != nil {
		return nil, err
	}
	if err := st.flushSubnet(store, sh); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Release implements spec.md §4.6's release: a bottom-up StorableMsg is
// aggregated into the current window checkpoint. This function only records
// the message; actor.go's Release sends the received value to BurnSink once
// the state transaction commits.
func (st *SCAState) Release(store adt.Store, epoch abi.ChainEpoch, caller address.Address, value big.Int) (*StorableMsg, error) {
	msg, err := NewReleaseMsg(st.NetworkName, BurnSink, caller, value, st.Nonce)
	if err != nil {
		return nil, err
	}
	ch, err := st.CurrWindowCheckpoint(store, epoch)
	if err != nil {
		return nil, err
	}
	if err := appendCrossMsg(store, ch, msg); err != nil {
		return nil, err
	}
	st.Nonce++
	if err := st.flushCheckpoint(store, ch); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendCross implements spec.md §4.6's send_cross: an arbitrarily-routed
// message is classified and either committed top-down into the first-hop
// child subnet, or aggregated bottom-up into the window checkpoint; for a
// bottom-up message actor.go's SendCross sends the value to BurnSink once the
// state transaction commits.
func (st *SCAState) SendCross(store adt.Store, epoch abi.ChainEpoch, caller address.Address, to hierarchical.SubnetID, toRaw address.Address, method abi.MethodNum, params []byte, value big.Int) (*StorableMsg, error) {
	if to.Equals(st.NetworkName) {
		return nil, xerrors.Errorf("send_cross destination must not be the current network")
	}
	from, err := hierarchical.NewHierarchicalAddress(st.NetworkName, caller)
	if err != nil {
		return nil, err
	}
	toAddr, err := hierarchical.NewHierarchicalAddress(to, toRaw)
	if err != nil {
		return nil, err
	}
	msg := StorableMsg{From: from, To: toAddr, Method: method, Params: params, Value: value}

	dir, err := msg.ApplyType(st.NetworkName)
	if err != nil {
		return nil, err
	}

	switch dir {
	case TopDown:
		child, err := st.NetworkName.ChildTowards(to)
		if err != nil {
			return nil, err
		}
		sh, found, err := st.GetSubnet(store, child)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, xerrors.Errorf("subnet %s is not registered", child)
		}
		if err := sh.commitTopDownMsg(store, &msg); err != nil {
			return nil, err
		}
		if err := st.flushSubnet(store, sh); err != nil {
			return nil, err
		}
	case BottomUp:
		msg.Nonce = st.Nonce
		ch, err := st.CurrWindowCheckpoint(store, epoch)
		if err != nil {
			return nil, err
		}
		if err := appendCrossMsg(store, ch, msg); err != nil {
			return nil, err
		}
		st.Nonce++
		if err := st.flushCheckpoint(store, ch); err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.New("unable to classify send_cross message direction")
	}
	return &msg, nil
}

// ApplyMessage implements spec.md §4.6's apply_msg: the host replays one
// cross-message into the SCA. Nonce gating differs by direction; reaching
// the current network dispatches via runCrossMsg, otherwise the message is
// re-committed further along its route.
func (st *SCAState) ApplyMessage(store adt.Store, epoch abi.ChainEpoch, msg StorableMsg, deliver Deliverer) error {
	dir, err := msg.ApplyType(st.NetworkName)
	if err != nil {
		return err
	}

	switch dir {
	case TopDown:
		if msg.Nonce != st.AppliedTopDownNonce {
			return xerrors.Errorf("top-down nonce gap: have %d, want %d", msg.Nonce, st.AppliedTopDownNonce)
		}
		if msg.To.Subnet.Equals(st.NetworkName) {
			if err := st.runCrossMsg(store, epoch, msg, deliver); err != nil {
				return err
			}
		} else {
			child, err := st.NetworkName.ChildTowards(msg.To.Subnet)
			if err != nil {
				return err
			}
			sh, found, err := st.GetSubnet(store, child)
			if err != nil {
				return err
			}
			if !found {
				return xerrors.Errorf("subnet %s is not registered", child)
			}
			if err := sh.commitTopDownMsg(store, &msg); err != nil {
				return err
			}
			if err := st.flushSubnet(store, sh); err != nil {
				return err
			}
		}
		st.AppliedTopDownNonce++

	case BottomUp:
		if err := st.releaseSourceCircSupply(store, msg); err != nil {
			return err
		}
		if msg.To.Subnet.Equals(st.NetworkName) {
			if err := st.runCrossMsg(store, epoch, msg, deliver); err != nil {
				return err
			}
		} else {
			ch, err := st.CurrWindowCheckpoint(store, epoch)
			if err != nil {
				return err
			}
			if err := appendCrossMsg(store, ch, msg); err != nil {
				return err
			}
			if err := st.flushCheckpoint(store, ch); err != nil {
				return err
			}
		}
		st.AppliedBottomUpNonce++

	default:
		return xerrors.New("unable to classify apply_msg direction")
	}
	return nil
}

// releaseSourceCircSupply mirrors original_source's bottomup_state_transition
// (apply_msg) / release_supply (subnet.rs): as a bottom-up message passes
// through the current network, the immediate child subnet it is leaving has
// its circulating supply reduced by the message's value -- the mirror image
// of commitTopDownMsg's increment on the way down. A message that already
// originates at the current network (never forwarded through a child) has
// nothing to release here.
func (st *SCAState) releaseSourceCircSupply(store adt.Store, msg StorableMsg) error {
	child, err := st.NetworkName.ChildTowards(msg.From.Subnet)
	if err != nil {
		return nil
	}
	sh, found, err := st.GetSubnet(store, child)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("subnet %s is not registered", child)
	}
	if err := sh.releaseCircSupply(msg.Value); err != nil {
		return err
	}
	return st.flushSubnet(store, sh)
}

// runCrossMsg mirrors original_source's lib.rs dispatch: a message whose
// destination subnet is the current network either targets the SCA itself
// (the only path SubmitAtomicExec is reachable from) or is forwarded to the
// host for delivery to the raw destination address.
func (st *SCAState) runCrossMsg(store adt.Store, epoch abi.ChainEpoch, msg StorableMsg, deliver Deliverer) error {
	if msg.To.Raw == SCAActor {
		if msg.Method != CrossMethodSubmitAtomicExec {
			return xerrors.Errorf("unsupported cross-message method %d for the sca", msg.Method)
		}
		return st.submitAtomicExecFromCrossMsg(store, epoch, msg)
	}
	if deliver == nil {
		return xerrors.New("no deliverer supplied for forwarded cross message")
	}
	return deliver(msg.To.Raw, msg.Method, msg.Params, msg.Value)
}
