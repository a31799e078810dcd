package sca

import (
	"io"
	"sort"

	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/internal/cborutil"
	"github.com/ipc-labs/sca/tcid"
)

// WindowEpoch buckets epoch into the checkpoint window it belongs to: the
// next multiple of period at or after epoch, per spec.md §4.5 step 3
// (sa8-eudico's types.WindowEpoch computes the same "ceil to period"
// bucket).
func WindowEpoch(epoch, period abi.ChainEpoch) abi.ChainEpoch {
	if period <= 0 {
		return epoch
	}
	if epoch%period == 0 {
		return epoch
	}
	return (epoch/period + 1) * period
}

// ChildCheck records the set of child-checkpoint Cids a given source subnet
// has contributed to a window, per spec.md's Aggregate Entities table
// (`checks` is set-like).
type ChildCheck struct {
	Source hierarchical.SubnetID
	Checks []cid.Cid
}

func (c *ChildCheck) has(target cid.Cid) bool {
	for _, existing := range c.Checks {
		if existing.Equals(target) {
			return true
		}
	}
	return false
}

// Checkpoint is both the per-subnet commit (`commit_child_check`'s
// parameter) and the parent's own window checkpoint being populated, per
// spec.md's unified Checkpoint entity (the Go teacher splits this into a
// Data/Signature envelope via an IPLD schema; the spec names no signature
// field, so this drops that envelope -- see DESIGN.md).
type Checkpoint struct {
	Source    hierarchical.SubnetID
	Epoch     abi.ChainEpoch
	PrevCheck cid.Cid
	Children  []ChildCheck
	CrossMsgs []CrossMsgMeta
}

// NewCheckpoint returns an empty checkpoint template for source at epoch,
// the template commit_child_check's caller populates and signs, and the
// template the parent's window checkpoint starts from (CurrWindowCheckpoint).
func NewCheckpoint(source hierarchical.SubnetID, epoch abi.ChainEpoch) *Checkpoint {
	return &Checkpoint{Source: source, Epoch: epoch}
}

// IsEmpty reports whether the checkpoint carries no commitments yet --
// sa8-eudico's schema.Checkpoint.IsEmpty, used by commit_child_check to
// special-case a subnet's very first commit (no chaining check required).
func (c *Checkpoint) IsEmpty() bool {
	return !c.PrevCheck.Defined() && c.Epoch == 0 && len(c.Children) == 0
}

// Cid derives this checkpoint's content identifier through the disposable
// in-memory store pattern original_source's CrossMsgs::cid()/MetaExec::cid()
// use: spin up a throwaway store, flush canonical form into it, link once,
// and take that link's Cid -- nothing here is persisted into the caller's
// real store.
func (c *Checkpoint) Cid() (cid.Cid, error) {
	store := tcid.NewStore()
	link, err := tcid.NewLink[Checkpoint, *Checkpoint](store, c)
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to derive checkpoint cid: %w", err)
	}
	return link.Cid(), nil
}

// addChildCheck appends commit's Cid under source's ChildCheck entry,
// enforcing the set semantics spec.md §4.5 step 6 requires (duplicates
// rejected).
func (c *Checkpoint) addChildCheck(source hierarchical.SubnetID, commitCid cid.Cid) error {
	for i := range c.Children {
		if c.Children[i].Source.Equals(source) {
			if c.Children[i].has(commitCid) {
				return xerrors.Errorf("checkpoint %s already committed to this window", commitCid)
			}
			c.Children[i].Checks = append(c.Children[i].Checks, commitCid)
			return nil
		}
	}
	c.Children = append(c.Children, ChildCheck{Source: source, Checks: []cid.Cid{commitCid}})
	return nil
}

// sortCanonical orders Children by Source and CrossMsgs by (From,To),
// resolving spec.md §9's window-checkpoint-ordering open question so two
// checkpoints built from the same deliveries in different arrival orders
// serialize identically.
func (c *Checkpoint) sortCanonical() {
	sort.SliceStable(c.Children, func(i, j int) bool {
		return c.Children[i].Source < c.Children[j].Source
	})
	SortCrossMsgMeta(c.CrossMsgs)
}

// addOrMergeCrossMsgMeta folds m into cross_msgs, adding m.Value to the
// existing (From,To) entry's Value (the per-route aggregation spec.md §4.5
// step 5 requires for sibling-directed metas; that entry's Nonce and MsgsCid
// are left unchanged), otherwise appending a new entry.
func (c *Checkpoint) addOrMergeCrossMsgMeta(m CrossMsgMeta) {
	for i := range c.CrossMsgs {
		if c.CrossMsgs[i].sameRoute(m) {
			c.CrossMsgs[i].Value = big.Add(c.CrossMsgs[i].Value, m.Value)
			return
		}
	}
	c.CrossMsgs = append(c.CrossMsgs, m)
}

// mergeCrossMsgMetaInto folds meta into win's cross_msgs, batch-appending
// meta's underlying message Amt onto the matching (from,to) route's Amt when
// one already exists, per spec.md §4.5 step 5's "concatenating the
// underlying message Amts via batch-set into a new msgs_cid".
func mergeCrossMsgMetaInto(store adt.Store, win *Checkpoint, meta CrossMsgMeta) error {
	for i := range win.CrossMsgs {
		existing := &win.CrossMsgs[i]
		if !existing.sameRoute(meta) {
			continue
		}
		dstArr, err := tcid.AmtOf[StorableMsg, *StorableMsg](existing.MsgsCid, CrossMsgsAMTBitwidth).Array(store)
		if err != nil {
			return xerrors.Errorf("failed to load destination cross-msgs amt: %w", err)
		}
		srcArr, err := tcid.AmtOf[StorableMsg, *StorableMsg](meta.MsgsCid, CrossMsgsAMTBitwidth).Array(store)
		if err != nil {
			return xerrors.Errorf("failed to load source cross-msgs amt: %w", err)
		}
		base := dstArr.Length()
		next := uint64(0)
		var msg StorableMsg
		if err := srcArr.ForEach(&msg, func(_ int64) error {
			m := msg
			if err := dstArr.Set(base+next, &m); err != nil {
				return err
			}
			next++
			return nil
		}); err != nil {
			return xerrors.Errorf("failed to batch-append cross msgs: %w", err)
		}
		root, err := dstArr.Root()
		if err != nil {
			return xerrors.Errorf("failed to flush merged cross-msgs amt: %w", err)
		}
		existing.MsgsCid = root
		existing.Value = big.Add(existing.Value, meta.Value)
		return nil
	}
	win.CrossMsgs = append(win.CrossMsgs, meta)
	return nil
}

// CommitChildCheckpoint implements spec.md §4.5's commit_child_check, the
// eight-step window-checkpoint update. It returns the epoch's burn
// accumulator (step 8): bottom-up value metas destroyed at this parent's
// entry, which actor.go sends to the burn sink once the transaction commits.
func (st *SCAState) CommitChildCheckpoint(store adt.Store, epoch abi.ChainEpoch, caller address.Address, commit Checkpoint) (big.Int, error) {
	actor, err := commit.Source.Actor()
	if err != nil {
		return big.Zero(), err
	}
	if actor != caller {
		return big.Zero(), xerrors.Errorf("commit source actor %s does not match caller %s", actor, caller)
	}

	sh, found, err := st.GetSubnet(store, commit.Source)
	if err != nil {
		return big.Zero(), err
	}
	if !found {
		return big.Zero(), xerrors.Errorf("subnet %s is not registered", commit.Source)
	}
	if sh.Status != StatusActive {
		return big.Zero(), xerrors.Errorf("subnet %s is not active", commit.Source)
	}

	win, err := st.CurrWindowCheckpoint(store, epoch)
	if err != nil {
		return big.Zero(), err
	}

	if !sh.PrevCheckpoint.IsEmpty() {
		prevCid, err := sh.PrevCheckpoint.Cid()
		if err != nil {
			return big.Zero(), err
		}
		if commit.Epoch < sh.PrevCheckpoint.Epoch {
			return big.Zero(), xerrors.Errorf("commit epoch %d precedes previous checkpoint epoch %d", commit.Epoch, sh.PrevCheckpoint.Epoch)
		}
		if !commit.PrevCheck.Equals(prevCid) {
			return big.Zero(), xerrors.Errorf("commit prev_check %s does not chain from %s", commit.PrevCheck, prevCid)
		}
	}

	burn := big.Zero()
	for _, meta := range commit.CrossMsgs {
		switch {
		case meta.To.Equals(st.NetworkName):
			m := meta
			if err := st.pushBottomUpMeta(store, &m); err != nil {
				return big.Zero(), err
			}
			burn = big.Add(burn, meta.Value)
		default:
			if err := mergeCrossMsgMetaInto(store, win, meta); err != nil {
				return big.Zero(), err
			}
		}
	}

	commitCid, err := commit.Cid()
	if err != nil {
		return big.Zero(), err
	}
	if err := win.addChildCheck(commit.Source, commitCid); err != nil {
		return big.Zero(), err
	}

	if err := st.flushCheckpoint(store, win); err != nil {
		return big.Zero(), err
	}
	sh.PrevCheckpoint = commit
	if err := st.flushSubnet(store, sh); err != nil {
		return big.Zero(), err
	}

	return burn, nil
}

func (c *Checkpoint) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 5); err != nil {
		return err
	}
	if err := c.Source.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteInt64(w, int64(c.Epoch)); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, c.PrevCheck); err != nil {
		return err
	}
	if err := cborutil.WriteArrayHeader(w, len(c.Children)); err != nil {
		return err
	}
	for i := range c.Children {
		if err := c.Children[i].MarshalCBOR(w); err != nil {
			return err
		}
	}
	if err := cborutil.WriteArrayHeader(w, len(c.CrossMsgs)); err != nil {
		return err
	}
	for i := range c.CrossMsgs {
		if err := c.CrossMsgs[i].MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkpoint) UnmarshalCBOR(r io.Reader) error {
	*c = Checkpoint{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 5); err != nil {
		return err
	}
	if err := (&c.Source).UnmarshalCBOR(br); err != nil {
		return err
	}
	epoch, err := cborutil.ReadInt64(br, scratch)
	if err != nil {
		return err
	}
	c.Epoch = abi.ChainEpoch(epoch)
	prevCheck, err := cborutil.ReadCid(br)
	if err != nil {
		return err
	}
	c.PrevCheck = prevCheck
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.New("expected array for checkpoint children")
	}
	c.Children = make([]ChildCheck, extra)
	for i := range c.Children {
		if err := (&c.Children[i]).UnmarshalCBOR(br); err != nil {
			return err
		}
	}
	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.New("expected array for checkpoint cross_msgs")
	}
	c.CrossMsgs = make([]CrossMsgMeta, extra)
	for i := range c.CrossMsgs {
		if err := (&c.CrossMsgs[i]).UnmarshalCBOR(br); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChildCheck) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := c.Source.MarshalCBOR(w); err != nil {
		return err
	}
	if err := cborutil.WriteArrayHeader(w, len(c.Checks)); err != nil {
		return err
	}
	for _, ch := range c.Checks {
		if err := cborutil.WriteCid(w, ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChildCheck) UnmarshalCBOR(r io.Reader) error {
	*c = ChildCheck{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 2); err != nil {
		return err
	}
	if err := (&c.Source).UnmarshalCBOR(br); err != nil {
		return err
	}
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.New("expected array for child check checks")
	}
	c.Checks = make([]cid.Cid, extra)
	for i := range c.Checks {
		cc, err := cborutil.ReadCid(br)
		if err != nil {
			return err
		}
		c.Checks[i] = cc
	}
	return nil
}
