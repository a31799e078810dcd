package sca

import (
	"bytes"
	"io"
	"sort"

	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/internal/cborutil"
	"github.com/ipc-labs/sca/tcid"
)

// Cross-message method numbers the atomic-execution orchestrator's
// propagation step targets on participant subnet actors, per spec.md §4.7's
// "directed at the locked actor with method abort or unlock".
const (
	MethodAtomicUnlock = abi.MethodNum(100)
	MethodAtomicAbort  = abi.MethodNum(101)

	// CrossMethodSubmitAtomicExec is the cross-message method number
	// run_cross_msg dispatches internally when a message targets the SCA's
	// own reserved address, matching spec.md §6's method table entry 13
	// ("SubmitAtomicExec | top-down only").
	CrossMethodSubmitAtomicExec = abi.MethodNum(13)
)

// ExecStatus is AtomicExec's lifecycle state, per spec.md §4.7's state
// machine diagram.
type ExecStatus uint64

const (
	ExecInitialized ExecStatus = iota
	ExecSuccess
	ExecAborted
)

func (s ExecStatus) String() string {
	switch s {
	case ExecInitialized:
		return "initialized"
	case ExecSuccess:
		return "success"
	case ExecAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LockedStateInfo names the locked state a participant actor contributed to
// an atomic execution, per spec.md §3's Aggregate Entities table.
type LockedStateInfo struct {
	StateCid cid.Cid
	Actor    address.Address
}

// AtomicInput pairs a participant's hierarchical address with its locked
// state, the element type of AtomicExecParams.Inputs (modeled as a sorted
// slice rather than a bare Go map so serialization is deterministic without
// needing a real Hamt for what is, in practice, a handful of entries per
// execution).
type AtomicInput struct {
	Addr hierarchical.Address
	Info LockedStateInfo
}

// AtomicExecParams are init_atomic_exec's canonicalized parameters, per
// spec.md §3 (`|msgs| >= 1`, `|inputs| >= 2`, shared (method,to), common
// parent invariants enforced by InitAtomicExec).
type AtomicExecParams struct {
	Msgs   []StorableMsg
	Inputs []AtomicInput
}

// AtomicSubmission records one participant's output submission, retaining
// the raw bytes (not just their Cid) so a successful finalization can
// propagate the agreed output verbatim, per spec.md §4.7 step "Propagate".
type AtomicSubmission struct {
	Addr      hierarchical.Address
	OutputCid cid.Cid
	Output    []byte
}

// AtomicExec is the persisted execution record, per spec.md §3.
type AtomicExec struct {
	Params    AtomicExecParams
	Submitted []AtomicSubmission
	Status    ExecStatus
}

func (e *AtomicExec) findInput(addr hierarchical.Address) (LockedStateInfo, bool) {
	for _, in := range e.Params.Inputs {
		if in.Addr.Equals(addr) {
			return in.Info, true
		}
	}
	return LockedStateInfo{}, false
}

func (e *AtomicExec) findSubmission(addr hierarchical.Address) (AtomicSubmission, bool) {
	for _, s := range e.Submitted {
		if s.Addr.Equals(addr) {
			return s, true
		}
	}
	return AtomicSubmission{}, false
}

// SubmitAtomicExecParams is the cross-message payload carried to the SCA's
// internal SubmitAtomicExec dispatch (method 13), per spec.md §4.7's
// "parameters {cid, abort, output}".
type SubmitAtomicExecParams struct {
	ExecCid cid.Cid
	Abort   bool
	Output  []byte
}

// execKey adapts a Cid into adt.Map's Keyer interface so executions can be
// registered under AtomicExecRegistry: Hamt<Cid, AtomicExec>, per spec.md §3.
type execKey cid.Cid

func (k execKey) Key() string {
	return cid.Cid(k).String()
}

func newExecKey(c cid.Cid) execKey {
	return execKey(c)
}

// atomicExecEnvelope links an AtomicExecParams' Msgs and Inputs roots
// together so a single Cid can be derived from both, mirroring
// original_source's AtomicExecParams::cid: an Amt of msgs and a Hamt of
// inputs, wrapped and linked once through a disposable store.
type atomicExecEnvelope struct {
	MsgsCid   cid.Cid
	InputsCid cid.Cid
}

func (e *atomicExecEnvelope) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, e.MsgsCid); err != nil {
		return err
	}
	return cborutil.WriteCid(w, e.InputsCid)
}

func (e *atomicExecEnvelope) UnmarshalCBOR(r io.Reader) error {
	*e = atomicExecEnvelope{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 2); err != nil {
		return err
	}
	msgsCid, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	e.MsgsCid = msgsCid
	inputsCid, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	e.InputsCid = inputsCid
	return nil
}

// computeExecCid derives an execution's unique id, per spec.md §4.7 step 1:
// msgs as a fresh Amt, inputs as a fresh Hamt keyed by the canonical
// hierarchical address, linked through atomicExecEnvelope in a disposable
// store, taking that link's Cid.
func computeExecCid(params AtomicExecParams) (cid.Cid, error) {
	store := tcid.NewStore()

	msgsAmt, err := tcid.NewAmt[StorableMsg, *StorableMsg](store, CrossMsgsAMTBitwidth)
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to seed exec msgs amt: %w", err)
	}
	if err := msgsAmt.Modify(store, func(arr *adt.Array) error {
		for i, m := range params.Msgs {
			msg := m
			if err := arr.Set(uint64(i), &msg); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return cid.Undef, xerrors.Errorf("failed to flush exec msgs amt: %w", err)
	}

	inputsHamt, err := tcid.NewHamt[LockedStateInfo, *LockedStateInfo](store, 3)
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to seed exec inputs hamt: %w", err)
	}
	if err := inputsHamt.Modify(store, func(m *adt.Map) error {
		for _, in := range params.Inputs {
			info := in.Info
			if err := m.Put(hierarchical.NewAddressKey(in.Addr), &info); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return cid.Undef, xerrors.Errorf("failed to flush exec inputs hamt: %w", err)
	}

	envelope := &atomicExecEnvelope{MsgsCid: msgsAmt.Cid(), InputsCid: inputsHamt.Cid()}
	link, err := tcid.NewLink[atomicExecEnvelope, *atomicExecEnvelope](store, envelope)
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to link exec envelope: %w", err)
	}
	return link.Cid(), nil
}

// commonMethodAndTo reports whether every message shares the same (method,
// to), the uniformity spec.md §4.7 step 3 requires of msgs.
func commonMethodAndTo(msgs []StorableMsg) (abi.MethodNum, hierarchical.Address, bool) {
	if len(msgs) == 0 {
		return 0, hierarchical.Address{}, false
	}
	method, to := msgs[0].Method, msgs[0].To
	for _, m := range msgs[1:] {
		if m.Method != method || !m.To.Equals(to) {
			return 0, hierarchical.Address{}, false
		}
	}
	return method, to, true
}

// commonParentOfInputs reduces common_parent across every input subnet, per
// spec.md §8's round-trip law `is_common_parent`.
func commonParentOfInputs(inputs []AtomicInput) (hierarchical.SubnetID, bool) {
	if len(inputs) == 0 {
		return "", false
	}
	cp := inputs[0].Addr.Subnet
	for _, in := range inputs[1:] {
		next, _, ok := cp.CommonParent(in.Addr.Subnet)
		if !ok {
			return "", false
		}
		cp = next
	}
	return cp, true
}

// ResolveInputAddr resolves a raw (possibly non-id) input address to its
// canonical id-form address, the host round-trip spec.md §4.7 step 2
// requires before building an execution's AtomicExecParams.
type ResolveInputAddr func(raw address.Address) (address.Address, bool)

// InitAtomicExec implements spec.md §4.7's init_atomic_exec.
func (st *SCAState) InitAtomicExec(store adt.Store, rawMsgs []StorableMsg, rawInputs []AtomicInput, resolve ResolveInputAddr) (cid.Cid, error) {
	if len(rawMsgs) == 0 {
		return cid.Undef, xerrors.New("init_atomic_exec requires at least one message")
	}
	if len(rawInputs) < 2 {
		return cid.Undef, xerrors.New("init_atomic_exec requires at least two inputs")
	}
	if _, _, ok := commonMethodAndTo(rawMsgs); !ok {
		return cid.Undef, xerrors.New("init_atomic_exec requires all messages to share (method, to)")
	}

	resolved := make([]AtomicInput, len(rawInputs))
	for i, in := range rawInputs {
		idAddr, ok := resolve(in.Addr.Raw)
		if !ok {
			return cid.Undef, xerrors.Errorf("could not resolve input address %s to an id address", in.Addr.Raw)
		}
		addr, err := hierarchical.NewHierarchicalAddress(in.Addr.Subnet, idAddr)
		if err != nil {
			return cid.Undef, err
		}
		resolved[i] = AtomicInput{Addr: addr, Info: in.Info}
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].Addr.String() < resolved[j].Addr.String()
	})

	cp, ok := commonParentOfInputs(resolved)
	if !ok || !cp.Equals(st.NetworkName) {
		return cid.Undef, xerrors.Errorf("current network %s is not the common parent of all inputs", st.NetworkName)
	}

	params := AtomicExecParams{Msgs: rawMsgs, Inputs: resolved}
	execCid, err := computeExecCid(params)
	if err != nil {
		return cid.Undef, err
	}

	if _, found, err := st.AtomicExecRegistry.Get(store, newExecKey(execCid)); err != nil {
		return cid.Undef, err
	} else if found {
		return cid.Undef, xerrors.Errorf("an atomic execution already exists under %s", execCid)
	}

	exec := &AtomicExec{Params: params, Status: ExecInitialized}
	if err := st.AtomicExecRegistry.Modify(store, func(m *adt.Map) error {
		return m.Put(newExecKey(execCid), exec)
	}); err != nil {
		return cid.Undef, xerrors.Errorf("failed to persist atomic execution: %w", err)
	}
	return execCid, nil
}

// SubmitAtomicExec implements spec.md §4.7's submit (and, when abort=true,
// doubles as abort_atomic_exec's shared core: both paths load the same
// record, validate the same caller-is-participant and not-yet-finalized
// preconditions, and finalize through the same propagate step).
func (st *SCAState) SubmitAtomicExec(store adt.Store, execCid cid.Cid, caller hierarchical.Address, abort bool, output []byte) (ExecStatus, error) {
	key := newExecKey(execCid)
	exec, found, err := st.AtomicExecRegistry.Get(store, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, xerrors.Errorf("atomic execution %s not found", execCid)
	}
	if _, ok := exec.findInput(caller); !ok {
		return 0, xerrors.Errorf("%s is not a participant in execution %s", caller, execCid)
	}
	if exec.Status != ExecInitialized {
		return 0, xerrors.Errorf("atomic execution %s is already finalized (%s)", execCid, exec.Status)
	}

	if abort {
		exec.Status = ExecAborted
		if err := st.flushAtomicExec(store, key, exec); err != nil {
			return 0, err
		}
		if err := st.propagateAtomicExec(store, exec, nil); err != nil {
			return 0, xerrors.Errorf("failed to propagate abort for %s: %w", execCid, err)
		}
		log.Debugw("atomic execution aborted", "exec", execCid, "by", caller)
		return ExecAborted, nil
	}

	if _, already := exec.findSubmission(caller); already {
		return 0, xerrors.Errorf("%s has already submitted output for execution %s", caller, execCid)
	}

	outCid, err := tcid.Sum(output)
	if err != nil {
		return 0, err
	}
	for _, prior := range exec.Submitted {
		if !prior.OutputCid.Equals(outCid) {
			exec.Status = ExecAborted
			if err := st.flushAtomicExec(store, key, exec); err != nil {
				return 0, err
			}
			if err := st.propagateAtomicExec(store, exec, nil); err != nil {
				return 0, xerrors.Errorf("failed to propagate conflict-abort for %s: %w", execCid, err)
			}
			return ExecAborted, nil
		}
	}

	exec.Submitted = append(exec.Submitted, AtomicSubmission{Addr: caller, OutputCid: outCid, Output: output})
	if len(exec.Submitted) == len(exec.Params.Inputs) {
		exec.Status = ExecSuccess
		if err := st.flushAtomicExec(store, key, exec); err != nil {
			return 0, err
		}
		if err := st.propagateAtomicExec(store, exec, output); err != nil {
			return 0, xerrors.Errorf("failed to propagate success for %s: %w", execCid, err)
		}
		log.Debugw("atomic execution finalized", "exec", execCid, "participants", len(exec.Submitted))
		return ExecSuccess, nil
	}

	if err := st.flushAtomicExec(store, key, exec); err != nil {
		return 0, err
	}
	return exec.Status, nil
}

// AbortAtomicExec implements spec.md §4.7's abort_atomic_exec: identical to
// submit-with-abort=true, callable by any participant.
func (st *SCAState) AbortAtomicExec(store adt.Store, execCid cid.Cid, caller hierarchical.Address) (ExecStatus, error) {
	return st.SubmitAtomicExec(store, execCid, caller, true, nil)
}

func (st *SCAState) flushAtomicExec(store adt.Store, key execKey, exec *AtomicExec) error {
	if err := st.AtomicExecRegistry.Modify(store, func(m *adt.Map) error {
		return m.Put(key, exec)
	}); err != nil {
		return xerrors.Errorf("failed to flush atomic execution: %w", err)
	}
	return nil
}

// propagateAtomicExec implements spec.md §4.7's "Propagate": one top-down
// StorableMsg per unique participant subnet, committed into that subnet's
// top_down_msgs queue, directed at the locked actor with method unlock
// (output != nil) or abort (output == nil). Per-participant failures are
// collected with multierr so one bad subnet doesn't hide failures in the
// others.
func (st *SCAState) propagateAtomicExec(store adt.Store, exec *AtomicExec, output []byte) error {
	seen := map[hierarchical.SubnetID]bool{}
	var errs error
	from, err := hierarchical.NewHierarchicalAddress(st.NetworkName, SCAActor)
	if err != nil {
		return err
	}
	method, payload := MethodAtomicAbort, []byte(nil)
	if output != nil {
		method, payload = MethodAtomicUnlock, output
	}
	for _, in := range exec.Params.Inputs {
		if seen[in.Addr.Subnet] {
			continue
		}
		seen[in.Addr.Subnet] = true

		sh, found, err := st.GetSubnet(store, in.Addr.Subnet)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !found {
			errs = multierr.Append(errs, xerrors.Errorf("subnet %s not registered for propagation", in.Addr.Subnet))
			continue
		}
		to, err := hierarchical.NewHierarchicalAddress(in.Addr.Subnet, in.Info.Actor)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		msg := StorableMsg{From: from, To: to, Method: method, Params: payload, Value: abi.NewTokenAmount(0)}
		if err := sh.commitTopDownMsg(store, &msg); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := st.flushSubnet(store, sh); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
	}
	return errs
}

// submitAtomicExecFromCrossMsg decodes a cross-message's params into
// SubmitAtomicExecParams and runs SubmitAtomicExec, the only path spec.md
// §6's method table reaches SubmitAtomicExec from ("top-down only").
func (st *SCAState) submitAtomicExecFromCrossMsg(store adt.Store, epoch abi.ChainEpoch, msg StorableMsg) error {
	var params SubmitAtomicExecParams
	if err := params.UnmarshalCBOR(bytes.NewReader(msg.Params)); err != nil {
		return xerrors.Errorf("failed to decode submit_atomic_exec params: %w", err)
	}
	_, err := st.SubmitAtomicExec(store, params.ExecCid, msg.From, params.Abort, params.Output)
	return err
}

// --- hand-authored cbor-gen style marshaling ---

func (i *LockedStateInfo) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, i.StateCid); err != nil {
		return err
	}
	return i.Actor.MarshalCBOR(w)
}

func (i *LockedStateInfo) UnmarshalCBOR(r io.Reader) error {
	*i = LockedStateInfo{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 2); err != nil {
		return err
	}
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	i.StateCid = c
	return (&i.Actor).UnmarshalCBOR(br)
}

func (in *AtomicInput) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := in.Addr.MarshalCBOR(w); err != nil {
		return err
	}
	return in.Info.MarshalCBOR(w)
}

func (in *AtomicInput) UnmarshalCBOR(r io.Reader) error {
	*in = AtomicInput{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 2); err != nil {
		return err
	}
	if err := (&in.Addr).UnmarshalCBOR(br); err != nil {
		return err
	}
	return (&in.Info).UnmarshalCBOR(br)
}

func (s *AtomicSubmission) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 3); err != nil {
		return err
	}
	if err := s.Addr.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, s.OutputCid); err != nil {
		return err
	}
	return cborutil.WriteBytes(w, s.Output)
}

func (s *AtomicSubmission) UnmarshalCBOR(r io.Reader) error {
	*s = AtomicSubmission{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 3); err != nil {
		return err
	}
	if err := (&s.Addr).UnmarshalCBOR(br); err != nil {
		return err
	}
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	s.OutputCid = c
	out, err := cborutil.ReadBytes(br, scratch)
	if err != nil {
		return err
	}
	s.Output = out
	return nil
}

func (p *AtomicExecParams) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cborutil.WriteArrayHeader(w, len(p.Msgs)); err != nil {
		return err
	}
	for i := range p.Msgs {
		if err := p.Msgs[i].MarshalCBOR(w); err != nil {
			return err
		}
	}
	if err := cborutil.WriteArrayHeader(w, len(p.Inputs)); err != nil {
		return err
	}
	for i := range p.Inputs {
		if err := p.Inputs[i].MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}

func (p *AtomicExecParams) UnmarshalCBOR(r io.Reader) error {
	*p = AtomicExecParams{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 2); err != nil {
		return err
	}
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.New("expected array for atomic exec params msgs")
	}
	p.Msgs = make([]StorableMsg, extra)
	for i := range p.Msgs {
		if err := (&p.Msgs[i]).UnmarshalCBOR(br); err != nil {
			return err
		}
	}
	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.New("expected array for atomic exec params inputs")
	}
	p.Inputs = make([]AtomicInput, extra)
	for i := range p.Inputs {
		if err := (&p.Inputs[i]).UnmarshalCBOR(br); err != nil {
			return err
		}
	}
	return nil
}

func (e *AtomicExec) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 3); err != nil {
		return err
	}
	if err := e.Params.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteArrayHeader(w, len(e.Submitted)); err != nil {
		return err
	}
	for i := range e.Submitted {
		if err := e.Submitted[i].MarshalCBOR(w); err != nil {
			return err
		}
	}
	return cborutil.WriteUint64(w, uint64(e.Status))
}

func (e *AtomicExec) UnmarshalCBOR(r io.Reader) error {
	*e = AtomicExec{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 3); err != nil {
		return err
	}
	if err := (&e.Params).UnmarshalCBOR(br); err != nil {
		return err
	}
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.New("expected array for atomic exec submissions")
	}
	e.Submitted = make([]AtomicSubmission, extra)
	for i := range e.Submitted {
		if err := (&e.Submitted[i]).UnmarshalCBOR(br); err != nil {
			return err
		}
	}
	status, err := cborutil.ReadUint64(br, scratch)
	if err != nil {
		return err
	}
	e.Status = ExecStatus(status)
	return nil
}

func (p *SubmitAtomicExecParams) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 3); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, p.ExecCid); err != nil {
		return err
	}
	if err := cborutil.WriteBool(w, p.Abort); err != nil {
		return err
	}
	return cborutil.WriteBytes(w, p.Output)
}

func (p *SubmitAtomicExecParams) UnmarshalCBOR(r io.Reader) error {
	*p = SubmitAtomicExecParams{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 3); err != nil {
		return err
	}
	c, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	p.ExecCid = c
	abort, err := cborutil.ReadBool(br, scratch)
	if err != nil {
		return err
	}
	p.Abort = abort
	output, err := cborutil.ReadBytes(br, scratch)
	if err != nil {
		return err
	}
	p.Output = output
	return nil
}
