package sca

import (
	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/specs-actors/v7/actors/builtin"
	"golang.org/x/xerrors"

	pkglog "github.com/ipc-labs/sca/log"
	runtime "github.com/ipc-labs/sca/runtime"
)

var log = pkglog.Logger("sca")

// Reserved addresses, per spec.md §6 ("symbolic singletons supplied by the
// host"). They default to the same well-known singleton actor addresses the
// teacher's sca_actor.go sends to (builtin.SystemActorAddr/
// BurntFundsActorAddr/RewardActorAddr), not address.Undef: an Undef raw
// address fails NewHierarchicalAddress's validation, which would make
// Release and every bottom-up burn unreachable. SetReservedAddresses lets an
// embedding chain override them with its actual deployed addresses.
var (
	BurnSink    = builtin.BurntFundsActorAddr
	RewardActor = builtin.RewardActorAddr
	SystemActor = builtin.SystemActorAddr
)

// SetReservedAddresses lets the embedding chain wire its concrete singleton
// addresses into the package once at startup, mirroring how sa8-eudico's
// builtin actor addresses are fixed network parameters rather than
// per-invocation configuration. scaActor is the SCA's own instance address
// (the teacher's SubnetCoordActorAddr, genesis-assigned to t064), distinct
// from the builtin singletons above since it is deployment-specific rather
// than a network-wide constant.
func SetReservedAddresses(burnSink, rewardActor, systemActor, scaActor address.Address) {
	BurnSink = burnSink
	RewardActor = rewardActor
	SystemActor = systemActor
	SCAActor = scaActor
}

// requireNoErr aborts the current invocation with code if err is non-nil,
// the same RequireNoErr guard sa8-eudico's actor methods wrap every
// adt.Store call in (builtin.RequireNoErr in the teacher).
func requireNoErr(rt runtime.Runtime, err error, code exitcode.ExitCode, msg string) {
	if err != nil {
		log.Warnw("aborting invocation", "reason", msg, "error", err, "code", code)
		rt.Abortf(code, "%s: %s", msg, err)
	}
}

// illegalArgument aborts with USR_ILLEGAL_ARGUMENT, the exit code spec.md §6
// assigns to bad inputs, wrong direction, and duplicate ids.
func illegalArgument(rt runtime.Runtime, msg string, args ...interface{}) {
	log.Warnw("illegal argument", "msg", xerrors.Errorf(msg, args...))
	rt.Abortf(exitcode.ErrIllegalArgument, msg, args...)
}

// illegalState aborts with USR_ILLEGAL_STATE, the exit code spec.md §6
// assigns to broken invariants, insufficient funds, and nonce gaps.
func illegalState(rt runtime.Runtime, msg string, args ...interface{}) {
	log.Warnw("illegal state", "msg", xerrors.Errorf(msg, args...))
	rt.Abortf(exitcode.ErrIllegalState, msg, args...)
}

// wrapf is xerrors.Errorf under a shorter name; a %w verb in msg keeps the
// wrapped error inspectable with xerrors.Is/As.
func wrapf(msg string, args ...interface{}) error {
	return xerrors.Errorf(msg, args...)
}
