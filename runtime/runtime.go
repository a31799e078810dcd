// Package runtime declares the host contract the SCA actor is built
// against: the slice of a chain runtime's capabilities this module actually
// needs (state transactions, inter-actor sends, caller validation, address
// resolution, current epoch/balance). It is modeled on
// specs-actors/v7/actors/runtime.Runtime, the interface sa8-eudico's
// sca_actor.go codes directly against, but is its own, narrower interface:
// spec.md §1 scopes out "the surrounding blockchain runtime (host)" and "the
// actor dispatch/trampoline" (Exports/InvokeMethod/ActorCode), so this
// package models only the methods the SCA's own logic calls, not the full
// FVM runtime or method-dispatch machinery. A concrete chain wires its own
// specs-actors/v7/actors/runtime.Runtime to this interface; none of this
// module's code imports that package directly.
package runtime

import (
	address "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Message exposes the invocation context of the current call, mirroring the
// rt.Message() accessor the teacher's actor methods use for rt.Caller() and
// rt.ValueReceived().
type Message interface {
	Caller() address.Address
	Receiver() address.Address
	ValueReceived() big.Int
}

// SendReturn carries back the result of an inter-actor Send, the same shape
// rt.Send returns in the real runtime (a raw return payload the caller
// decodes itself).
type SendReturn interface {
	Into(obj cbg.CBORUnmarshaler) error
}

// Runtime is the host contract the sca package is built against.
type Runtime interface {
	// CurrEpoch is the chain epoch the current invocation executes at, used
	// to bucket window checkpoints (sca.WindowEpoch).
	CurrEpoch() abi.ChainEpoch

	// Message returns the current invocation's caller/receiver/value.
	Message() Message

	// CurrentBalance is this actor's balance. The sca package does not call
	// it.
	CurrentBalance() big.Int

	// ValidateImmediateCallerIs aborts (ErrForbidden) unless the immediate
	// caller is one of addrs.
	ValidateImmediateCallerIs(addrs ...address.Address)

	// ValidateImmediateCallerType aborts (ErrForbidden) unless the immediate
	// caller's actor code is one of codes. The sca package does not call it:
	// Register, Fund and the other methods accept callers of any actor type.
	ValidateImmediateCallerType(codes ...cid.Cid)

	// Abortf aborts the current invocation with code, formatting msg like
	// fmt.Sprintf. It never returns; callers rely on this the same way
	// sa8-eudico's rt.Abortf does.
	Abortf(code exitcode.ExitCode, msg string, args ...interface{})

	// ResolveAddress resolves addr to its canonical ID address if possible.
	// ok is false when the address is not yet known to the host (e.g. an
	// account that has never sent a message), mirroring rt.ResolveAddress.
	ResolveAddress(addr address.Address) (resolved address.Address, ok bool)

	// Send invokes method on to with params and attaches value, the
	// mechanism ApplyMessage's run_cross_msg forwarding and the value
	// transfers of ReleaseStake, Kill, Release, SendCross and
	// CommitChildCheckpoint's burn build on.
	Send(to address.Address, method abi.MethodNum, params cbg.CBORMarshaler, value big.Int) (SendReturn, exitcode.ExitCode, error)

	// StateTransaction loads the actor's current state into out, runs f
	// (which may mutate out in place), and commits the result, aborting the
	// invocation on any panic inside f -- the same load/mutate/commit
	// envelope rt.StateTransaction gives sa8-eudico's actor methods.
	StateTransaction(out State, f func())

	// StateReadonly loads the actor's current state into out without
	// committing any change back, for read-only query methods.
	StateReadonly(out State)

	// Store returns the adt.Store this invocation's state tree is rooted
	// in, the store every tcid.TLink/THamt/TAmt call takes.
	Store() adt.Store

	// Log writes a structured log line tagged with the current method,
	// forwarding to the log package's per-system logger.
	Log(level LogLevel, msg string, args ...interface{})

	// ResolveCaller resolves the immediate caller's address to its
	// canonical ID-address form, the host round-trip original_source's
	// resolve_secp_bls performs before Fund/Release/SendCross build a
	// StorableMsg endpoint.
	ResolveCaller() address.Address

	// MintToSCA instructs the host to mint value to this actor from the
	// reward actor, the step original_source's lib.rs takes before applying
	// a top-down message so the SCA can forward the funds it is about to
	// release to the message's destination.
	MintToSCA(value big.Int)
}

// State is the subset of cbor.Er (go-state-types/cbor) StateTransaction
// needs: a value this actor's root state can be marshaled into/out of.
type State interface {
	cbg.CBORMarshaler
	cbg.CBORUnmarshaler
}

// LogLevel mirrors the handful of levels the teacher's zap-backed logger
// supports; see log/log.go.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)
