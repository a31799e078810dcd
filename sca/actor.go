package sca

import (
	"io"

	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/internal/cborutil"
	runtime "github.com/ipc-labs/sca/runtime"
)

// Methods enumerates the SCA's stable numeric method ids, per spec.md §6's
// method-surface table.
type Methods struct {
	Constructor           abi.MethodNum
	Register              abi.MethodNum
	AddStake              abi.MethodNum
	ReleaseStake          abi.MethodNum
	Kill                  abi.MethodNum
	CommitChildCheckpoint abi.MethodNum
	Fund                  abi.MethodNum
	Release               abi.MethodNum
	SendCross             abi.MethodNum
	ApplyMessage          abi.MethodNum
	InitAtomicExec        abi.MethodNum
	AbortAtomicExec       abi.MethodNum
	SubmitAtomicExec      abi.MethodNum
}

// ActorMethods is the concrete method-number assignment, matching spec.md
// §6's table exactly (constructor at 1, matching the conventional
// builtin.MethodConstructor used throughout specs-actors).
var ActorMethods = Methods{
	Constructor:           abi.MethodNum(1),
	Register:              abi.MethodNum(2),
	AddStake:              abi.MethodNum(3),
	ReleaseStake:          abi.MethodNum(4),
	Kill:                  abi.MethodNum(5),
	CommitChildCheckpoint: abi.MethodNum(6),
	Fund:                  abi.MethodNum(7),
	Release:               abi.MethodNum(8),
	SendCross:             abi.MethodNum(9),
	ApplyMessage:          abi.MethodNum(10),
	InitAtomicExec:        abi.MethodNum(11),
	AbortAtomicExec:       abi.MethodNum(12),
	SubmitAtomicExec:      abi.MethodNum(13),
}

// Actor is the SCA's method surface. A concrete chain's actor
// dispatch/trampoline (out of scope per spec.md §1) invokes these the same
// way sa8-eudico's sca_actor.go's Actor methods are invoked by its
// ActorCode.Exports table.
type Actor struct{}

// ReleaseStakeParams carries the amount to release, per spec.md §4.4.
type ReleaseStakeParams struct {
	Value big.Int
}

func (p *ReleaseStakeParams) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 1); err != nil {
		return err
	}
	return p.Value.MarshalCBOR(w)
}

func (p *ReleaseStakeParams) UnmarshalCBOR(r io.Reader) error {
	*p = ReleaseStakeParams{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 1); err != nil {
		return err
	}
	return p.Value.UnmarshalCBOR(br)
}

// FundParams names the destination subnet; value travels as message value.
type FundParams struct {
	Subnet hierarchical.SubnetID
}

func (p *FundParams) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 1); err != nil {
		return err
	}
	return p.Subnet.MarshalCBOR(w)
}

func (p *FundParams) UnmarshalCBOR(r io.Reader) error {
	*p = FundParams{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 1); err != nil {
		return err
	}
	return (&p.Subnet).UnmarshalCBOR(br)
}

// SendCrossParams names an arbitrary routed destination, per spec.md §4.6.
type SendCrossParams struct {
	To     hierarchical.SubnetID
	ToRaw  address.Address
	Method abi.MethodNum
	Params []byte
}

func (p *SendCrossParams) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 4); err != nil {
		return err
	}
	if err := p.To.MarshalCBOR(w); err != nil {
		return err
	}
	if err := p.ToRaw.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteUint64(w, uint64(p.Method)); err != nil {
		return err
	}
	return cborutil.WriteBytes(w, p.Params)
}

func (p *SendCrossParams) UnmarshalCBOR(r io.Reader) error {
	*p = SendCrossParams{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 4); err != nil {
		return err
	}
	if err := (&p.To).UnmarshalCBOR(br); err != nil {
		return err
	}
	if err := (&p.ToRaw).UnmarshalCBOR(br); err != nil {
		return err
	}
	method, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	p.Method = abi.MethodNum(method)
	params, err := cborutil.ReadBytes(br, scratch)
	if err != nil {
		return err
	}
	p.Params = params
	return nil
}

// AbortAtomicExecParams names the execution to abort.
type AbortAtomicExecParams struct {
	ExecCid cid.Cid
}

func (p *AbortAtomicExecParams) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 1); err != nil {
		return err
	}
	return cborutil.WriteCid(w, p.ExecCid)
}

func (p *AbortAtomicExecParams) UnmarshalCBOR(r io.Reader) error {
	*p = AbortAtomicExecParams{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 1); err != nil {
		return err
	}
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	p.ExecCid = c
	return nil
}

// InitAtomicExecReturn carries back the freshly-computed execution Cid.
type InitAtomicExecReturn struct {
	ExecCid cid.Cid
}

func (r *InitAtomicExecReturn) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 1); err != nil {
		return err
	}
	return cborutil.WriteCid(w, r.ExecCid)
}

func (r *InitAtomicExecReturn) UnmarshalCBOR(rd io.Reader) error {
	*r = InitAtomicExecReturn{}
	br := cborutil.NewReader(rd)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 1); err != nil {
		return err
	}
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	r.ExecCid = c
	return nil
}

func loadState(rt runtime.Runtime) *SCAState {
	st := &SCAState{}
	rt.StateReadonly(st)
	return st
}

// Constructor implements method 1.
func (Actor) Constructor(rt runtime.Runtime, params *ConstructorParams) {
	rt.ValidateImmediateCallerIs(SystemActor)
	st, err := ConstructSCAState(rt.Store(), params)
	requireNoErr(rt, err, exitcode.ErrIllegalArgument, "failed to construct sca state")
	rt.StateTransaction(st, func() {})
}

// Register implements method 2. spec.md §4.4 requires msg.value >= min_stake
// (the teacher's sca_actor.go checks the stricter value > min_stake; this is
// a deliberate deviation back to the spec's literal invariant, see
// DESIGN.md).
func (Actor) Register(rt runtime.Runtime) {
	caller := rt.Message().Caller()
	value := rt.Message().ValueReceived()

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		if value.LessThan(st.MinStake) {
			rt.Abortf(exitcode.ErrIllegalArgument, "register requires msg.value >= min_stake, got %s < %s", value, st.MinStake)
		}
		shid := hierarchical.NewSubnetID(st.NetworkName, caller)
		if _, found, err := st.GetSubnet(rt.Store(), shid); err != nil {
			rt.Abortf(exitcode.ErrIllegalState, "failed to check existing subnet: %s", err)
		} else if found {
			rt.Abortf(exitcode.ErrIllegalArgument, "subnet %s is already registered", shid)
		}
		if _, err := st.registerSubnet(rt.Store(), shid, value); err != nil {
			rt.Abortf(exitcode.ErrIllegalState, "failed to register subnet: %s", err)
		}
	})
}

// AddStake implements method 3.
func (Actor) AddStake(rt runtime.Runtime) {
	caller := rt.Message().Caller()
	value := rt.Message().ValueReceived()

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		shid := hierarchical.NewSubnetID(st.NetworkName, caller)
		sh, found, err := st.GetSubnet(rt.Store(), shid)
		requireNoErr(rt, err, exitcode.ErrIllegalState, "failed to load subnet")
		if !found {
			rt.Abortf(exitcode.ErrIllegalArgument, "subnet %s is not registered", shid)
		}
		sh.addStake(st.MinStake, value)
		requireNoErr(rt, st.flushSubnet(rt.Store(), sh), exitcode.ErrIllegalState, "failed to flush subnet")
	})
}

// ReleaseStake implements method 4.
func (Actor) ReleaseStake(rt runtime.Runtime, params *ReleaseStakeParams) {
	caller := rt.Message().Caller()

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		shid := hierarchical.NewSubnetID(st.NetworkName, caller)
		sh, found, err := st.GetSubnet(rt.Store(), shid)
		requireNoErr(rt, err, exitcode.ErrIllegalState, "failed to load subnet")
		if !found {
			rt.Abortf(exitcode.ErrIllegalArgument, "subnet %s is not registered", shid)
		}
		if err := sh.releaseStake(st.MinStake, params.Value); err != nil {
			rt.Abortf(exitcode.ErrIllegalState, "%s", err)
		}
		requireNoErr(rt, st.flushSubnet(rt.Store(), sh), exitcode.ErrIllegalState, "failed to flush subnet")
	})

	sendValue(rt, caller, params.Value)
}

// Kill implements method 5.
func (Actor) Kill(rt runtime.Runtime) {
	caller := rt.Message().Caller()

	var released big.Int
	st := loadState(rt)
	rt.StateTransaction(st, func() {
		shid := hierarchical.NewSubnetID(st.NetworkName, caller)
		sh, found, err := st.GetSubnet(rt.Store(), shid)
		requireNoErr(rt, err, exitcode.ErrIllegalState, "failed to load subnet")
		if !found {
			rt.Abortf(exitcode.ErrIllegalArgument, "subnet %s is not registered", shid)
		}
		if !sh.CircSupply.IsZero() {
			rt.Abortf(exitcode.ErrIllegalState, "cannot kill subnet %s with non-zero circulating supply %s", shid, sh.CircSupply)
		}
		released = sh.Stake
		requireNoErr(rt, st.removeSubnet(rt.Store(), shid), exitcode.ErrIllegalState, "failed to remove subnet")
	})

	sendValue(rt, caller, released)
}

// CommitChildCheckpoint implements method 6, per spec.md §4.5.
func (Actor) CommitChildCheckpoint(rt runtime.Runtime, commit *Checkpoint) {
	caller := rt.Message().Caller()

	var burn big.Int
	st := loadState(rt)
	rt.StateTransaction(st, func() {
		var err error
		burn, err = st.CommitChildCheckpoint(rt.Store(), rt.CurrEpoch(), caller, *commit)
		if err != nil {
			log.Warnw("commit_child_check rejected", "source", commit.Source, "error", err)
			rt.Abortf(exitcode.ErrIllegalArgument, "%s", err)
		}
	})
	log.Debugw("commit_child_check applied", "source", commit.Source, "epoch", commit.Epoch, "burn", burn)

	if burn.GreaterThan(big.Zero()) {
		sendValue(rt, BurnSink, burn)
	}
}

// Fund implements method 7.
func (Actor) Fund(rt runtime.Runtime, params *FundParams) {
	caller := rt.ResolveCaller()
	value := rt.Message().ValueReceived()

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		if _, err := st.Fund(rt.Store(), params.Subnet, caller, value); err != nil {
			rt.Abortf(exitcode.ErrIllegalArgument, "%s", err)
		}
	})
}

// Release implements method 8.
func (Actor) Release(rt runtime.Runtime) {
	caller := rt.ResolveCaller()
	value := rt.Message().ValueReceived()

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		if _, err := st.Release(rt.Store(), rt.CurrEpoch(), caller, value); err != nil {
			rt.Abortf(exitcode.ErrIllegalArgument, "%s", err)
		}
	})

	sendValue(rt, BurnSink, value)
}

// SendCross implements method 9.
func (Actor) SendCross(rt runtime.Runtime, params *SendCrossParams) {
	caller := rt.ResolveCaller()
	value := rt.Message().ValueReceived()

	var sent *StorableMsg
	st := loadState(rt)
	rt.StateTransaction(st, func() {
		var err error
		sent, err = st.SendCross(rt.Store(), rt.CurrEpoch(), caller, params.To, params.ToRaw, params.Method, params.Params, value)
		if err != nil {
			rt.Abortf(exitcode.ErrIllegalArgument, "%s", err)
		}
	})

	if dir, err := sent.ApplyType(st.NetworkName); err == nil && dir == BottomUp {
		sendValue(rt, BurnSink, value)
	}
}

// ApplyMessage implements method 10, caller restricted to the system actor.
func (Actor) ApplyMessage(rt runtime.Runtime, msg *StorableMsg) {
	rt.ValidateImmediateCallerIs(SystemActor)

	dir, err := msg.ApplyType(loadState(rt).NetworkName)
	requireNoErr(rt, err, exitcode.ErrIllegalArgument, "failed to classify message")
	if dir == TopDown {
		rt.MintToSCA(msg.Value)
	}

	deliver := func(to address.Address, method abi.MethodNum, params []byte, value big.Int) error {
		_, code, err := rt.Send(to, method, rawBytesParams(params), value)
		if err != nil {
			return err
		}
		if code != exitcode.Ok {
			return xerrors.Errorf("forwarded send to %s exited with %s", to, code)
		}
		return nil
	}

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		if err := st.ApplyMessage(rt.Store(), rt.CurrEpoch(), *msg, deliver); err != nil {
			rt.Abortf(exitcode.ErrIllegalState, "%s", err)
		}
	})
}

// InitAtomicExec implements method 11.
func (Actor) InitAtomicExec(rt runtime.Runtime, params *AtomicExecParams) *InitAtomicExecReturn {
	var execCid cid.Cid
	st := loadState(rt)
	rt.StateTransaction(st, func() {
		resolve := func(raw address.Address) (address.Address, bool) {
			return rt.ResolveAddress(raw)
		}
		var err error
		execCid, err = st.InitAtomicExec(rt.Store(), params.Msgs, params.Inputs, resolve)
		if err != nil {
			rt.Abortf(exitcode.ErrIllegalArgument, "%s", err)
		}
	})
	return &InitAtomicExecReturn{ExecCid: execCid}
}

// AbortAtomicExec implements method 12, callable by any participant.
func (Actor) AbortAtomicExec(rt runtime.Runtime, params *AbortAtomicExecParams) {
	caller := rt.Message().Caller()
	hcaller, err := hierarchical.NewHierarchicalAddress(loadState(rt).NetworkName, caller)
	requireNoErr(rt, err, exitcode.ErrIllegalArgument, "failed to form caller address")

	st := loadState(rt)
	rt.StateTransaction(st, func() {
		if _, err := st.AbortAtomicExec(rt.Store(), params.ExecCid, hcaller); err != nil {
			rt.Abortf(exitcode.ErrIllegalState, "%s", err)
		}
	})
}

// rawBytesParams adapts a plain byte slice into cbg.CBORMarshaler for
// rt.Send, the way a forwarded StorableMsg's opaque Params travel to their
// raw destination untouched.
type rawBytesParams []byte

func (p rawBytesParams) MarshalCBOR(w io.Writer) error {
	_, err := w.Write(p)
	return err
}

func sendValue(rt runtime.Runtime, to address.Address, value big.Int) {
	if value.IsZero() {
		return
	}
	if _, code, err := rt.Send(to, METHOD_SEND, nil, value); err != nil || code != exitcode.Ok {
		rt.Abortf(exitcode.ErrIllegalState, "failed to send value to %s: code=%s err=%v", to, code, err)
	}
}
