package sca

import (
	"testing"

	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/stretchr/testify/require"

	"github.com/ipc-labs/sca/hierarchical"
	"github.com/ipc-labs/sca/tcid"
)

func mustID(t *testing.T, n uint64) address.Address {
	t.Helper()
	a, err := address.NewIDAddress(n)
	require.NoError(t, err)
	return a
}

func newTestState(t *testing.T) (adt.Store, *SCAState) {
	t.Helper()
	store := tcid.NewStore()
	st, err := ConstructSCAState(store, &ConstructorParams{
		NetworkName:      string(hierarchical.RootSubnet),
		CheckpointPeriod: 10,
		MinStake:         big.NewInt(1e18),
	})
	require.NoError(t, err)
	return store, st
}

func TestRegisterAddStakeReleaseStakeLifecycle(t *testing.T) {
	store, st := newTestState(t)
	miner := mustID(t, 101)
	subnetID := hierarchical.NewSubnetID(st.NetworkName, miner)

	sh, err := st.registerSubnet(store, subnetID, st.MinStake)
	require.NoError(t, err)
	require.Equal(t, StatusActive, sh.Status)

	_, found, err := st.GetSubnet(store, subnetID)
	require.NoError(t, err)
	require.True(t, found)

	sh.addStake(st.MinStake, big.NewInt(1))
	require.Equal(t, StatusActive, sh.Status)

	require.NoError(t, sh.releaseStake(st.MinStake, big.Add(st.MinStake, big.NewInt(1))))
	require.Equal(t, StatusInactive, sh.Status, "dropping below min_stake must deactivate")

	require.Error(t, sh.releaseStake(st.MinStake, big.NewInt(1)), "cannot release more than is staked")
}

func TestFundAndReleaseRoundTrip(t *testing.T) {
	store, st := newTestState(t)
	miner := mustID(t, 101)
	subnetID := hierarchical.NewSubnetID(st.NetworkName, miner)
	_, err := st.registerSubnet(store, subnetID, st.MinStake)
	require.NoError(t, err)

	caller := mustID(t, 202)
	fundMsg, err := st.Fund(store, subnetID, caller, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, uint64(0), fundMsg.Nonce)

	sh, found, err := st.GetSubnet(store, subnetID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, big.NewInt(500), sh.CircSupply)

	// Release is made from inside the child subnet, whose parent is the root.
	child, err := ConstructSCAState(store, &ConstructorParams{
		NetworkName:      string(subnetID),
		CheckpointPeriod: 10,
		MinStake:         big.NewInt(1e18),
	})
	require.NoError(t, err)
	_, err = child.Release(store, abi.ChainEpoch(1), caller, big.NewInt(200))
	require.NoError(t, err)

	ch, err := child.CurrWindowCheckpoint(store, abi.ChainEpoch(1))
	require.NoError(t, err)
	require.Len(t, ch.CrossMsgs, 1)
	require.Equal(t, big.NewInt(200), ch.CrossMsgs[0].Value)
}

func TestRemoveSubnetAfterCircSupplyReleased(t *testing.T) {
	store, st := newTestState(t)
	miner := mustID(t, 101)
	subnetID := hierarchical.NewSubnetID(st.NetworkName, miner)
	sh, err := st.registerSubnet(store, subnetID, st.MinStake)
	require.NoError(t, err)

	require.NoError(t, sh.commitTopDownMsg(store, &StorableMsg{Value: big.NewInt(10)}))
	require.NoError(t, st.flushSubnet(store, sh))
	require.False(t, sh.CircSupply.IsZero())

	require.NoError(t, sh.releaseCircSupply(big.NewInt(10)))
	require.True(t, sh.CircSupply.IsZero())
	require.NoError(t, st.flushSubnet(store, sh))
	require.NoError(t, st.removeSubnet(store, subnetID))

	_, found, err := st.GetSubnet(store, subnetID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyMessageBottomUpReleasesSourceCircSupply(t *testing.T) {
	store, st := newTestState(t)
	miner := mustID(t, 101)
	subnetID := hierarchical.NewSubnetID(st.NetworkName, miner)
	_, err := st.registerSubnet(store, subnetID, st.MinStake)
	require.NoError(t, err)

	caller := mustID(t, 202)
	_, err = st.Fund(store, subnetID, caller, big.NewInt(500))
	require.NoError(t, err)

	sh, found, err := st.GetSubnet(store, subnetID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, big.NewInt(500), sh.CircSupply)

	releaseMsg, err := NewReleaseMsg(subnetID, BurnSink, caller, big.NewInt(500), 0)
	require.NoError(t, err)

	deliver := func(to address.Address, method abi.MethodNum, params []byte, value big.Int) error {
		return nil
	}
	require.NoError(t, st.ApplyMessage(store, abi.ChainEpoch(1), releaseMsg, deliver))

	sh, found, err = st.GetSubnet(store, subnetID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, sh.CircSupply.IsZero(), "bottom-up release must bring circ supply back to zero")
}

func TestCommitChildCheckpointChainsAndRejectsStalePrevCheck(t *testing.T) {
	store, st := newTestState(t)
	minerAddr := mustID(t, 101)
	subnetID := hierarchical.NewSubnetID(st.NetworkName, minerAddr)
	_, err := st.registerSubnet(store, subnetID, st.MinStake)
	require.NoError(t, err)

	c1 := Checkpoint{Source: subnetID, Epoch: 19}
	_, err = st.CommitChildCheckpoint(store, abi.ChainEpoch(10), minerAddr, c1)
	require.NoError(t, err)

	c1Cid, err := c1.Cid()
	require.NoError(t, err)

	c2 := Checkpoint{Source: subnetID, Epoch: 21, PrevCheck: c1Cid}
	_, err = st.CommitChildCheckpoint(store, abi.ChainEpoch(10), minerAddr, c2)
	require.NoError(t, err)

	win, err := st.CurrWindowCheckpoint(store, abi.ChainEpoch(10))
	require.NoError(t, err)
	require.Len(t, win.Children, 1)
	require.Len(t, win.Children[0].Checks, 2)

	// A third commit referencing a stale prev_check must be rejected.
	c3 := Checkpoint{Source: subnetID, Epoch: 25, PrevCheck: c1Cid}
	_, err = st.CommitChildCheckpoint(store, abi.ChainEpoch(10), minerAddr, c3)
	require.Error(t, err)
}

func TestAtomicExecSuccessRequiresEveryParticipant(t *testing.T) {
	store, st := newTestState(t)

	sn1Actor := mustID(t, 301)
	sn2Actor := mustID(t, 302)
	sn1 := hierarchical.NewSubnetID(st.NetworkName, sn1Actor)
	sn2 := hierarchical.NewSubnetID(st.NetworkName, sn2Actor)
	_, err := st.registerSubnet(store, sn1, st.MinStake)
	require.NoError(t, err)
	_, err = st.registerSubnet(store, sn2, st.MinStake)
	require.NoError(t, err)

	lockedActor1 := mustID(t, 401)
	lockedActor2 := mustID(t, 402)
	addr1, err := hierarchical.NewHierarchicalAddress(sn1, lockedActor1)
	require.NoError(t, err)
	addr2, err := hierarchical.NewHierarchicalAddress(sn2, lockedActor2)
	require.NoError(t, err)

	to, err := hierarchical.NewHierarchicalAddress(st.NetworkName, SCAActor)
	require.NoError(t, err)
	msg := StorableMsg{From: addr1, To: to, Method: CrossMethodSubmitAtomicExec}

	resolve := func(raw address.Address) (address.Address, bool) { return raw, true }
	execCid, err := st.InitAtomicExec(store, []StorableMsg{msg}, []AtomicInput{
		{Addr: addr1, Info: LockedStateInfo{Actor: lockedActor1}},
		{Addr: addr2, Info: LockedStateInfo{Actor: lockedActor2}},
	}, resolve)
	require.NoError(t, err)

	status, err := st.SubmitAtomicExec(store, execCid, addr1, false, []byte("agreed-output"))
	require.NoError(t, err)
	require.Equal(t, ExecInitialized, status)

	_, err = st.SubmitAtomicExec(store, execCid, addr1, false, []byte("agreed-output"))
	require.Error(t, err, "same participant cannot submit twice")

	status, err = st.SubmitAtomicExec(store, execCid, addr2, false, []byte("agreed-output"))
	require.NoError(t, err)
	require.Equal(t, ExecSuccess, status)

	_, err = st.AbortAtomicExec(store, execCid, addr1)
	require.Error(t, err, "cannot abort an already-finalized execution")
}

func TestAtomicExecConflictingOutputAborts(t *testing.T) {
	store, st := newTestState(t)
	sn1Actor := mustID(t, 301)
	sn2Actor := mustID(t, 302)
	sn1 := hierarchical.NewSubnetID(st.NetworkName, sn1Actor)
	sn2 := hierarchical.NewSubnetID(st.NetworkName, sn2Actor)
	_, err := st.registerSubnet(store, sn1, st.MinStake)
	require.NoError(t, err)
	_, err = st.registerSubnet(store, sn2, st.MinStake)
	require.NoError(t, err)

	lockedActor1 := mustID(t, 401)
	lockedActor2 := mustID(t, 402)
	addr1, err := hierarchical.NewHierarchicalAddress(sn1, lockedActor1)
	require.NoError(t, err)
	addr2, err := hierarchical.NewHierarchicalAddress(sn2, lockedActor2)
	require.NoError(t, err)

	to, err := hierarchical.NewHierarchicalAddress(st.NetworkName, SCAActor)
	require.NoError(t, err)
	msg := StorableMsg{From: addr1, To: to, Method: CrossMethodSubmitAtomicExec}

	resolve := func(raw address.Address) (address.Address, bool) { return raw, true }
	execCid, err := st.InitAtomicExec(store, []StorableMsg{msg}, []AtomicInput{
		{Addr: addr1, Info: LockedStateInfo{Actor: lockedActor1}},
		{Addr: addr2, Info: LockedStateInfo{Actor: lockedActor2}},
	}, resolve)
	require.NoError(t, err)

	_, err = st.SubmitAtomicExec(store, execCid, addr1, false, []byte("output-a"))
	require.NoError(t, err)

	status, err := st.SubmitAtomicExec(store, execCid, addr2, false, []byte("output-b"))
	require.NoError(t, err)
	require.Equal(t, ExecAborted, status)
}
