// Package hierarchical implements the address and SubnetID algebra the SCA
// routes messages over: parsing and emitting subnet paths, computing the
// common ancestor of two subnets, and wrapping a raw address inside a
// subnet context. Grounded on sa8-eudico's
// chain/consensus/hierarchical package (address.SubnetID) and on
// original_source's taddress.rs / fvm_shared::address::SubnetID.
package hierarchical

import (
	"io"
	"strings"

	address "github.com/filecoin-project/go-address"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/internal/cborutil"
)

// RootSubnet is the distinguished path every SubnetID is rooted at.
const RootSubnet = SubnetID("/root")

const pathSeparator = "/"

// SubnetID is an ordered path of subnet-actor addresses rooted at RootSubnet,
// e.g. "/root/f01234/f05678". It is the string path itself, the same wire
// representation the teacher's address.SubnetID uses.
type SubnetID string

// NewSubnetID builds the child SubnetID obtained by appending actor below
// parent, e.g. NewSubnetID("/root", f01) == "/root/f01".
func NewSubnetID(parent SubnetID, actor address.Address) SubnetID {
	return SubnetID(string(parent) + pathSeparator + actor.String())
}

func (id SubnetID) String() string {
	return string(id)
}

func (id SubnetID) Empty() bool {
	return id == ""
}

// segments splits the path into its components after dropping the leading
// separator; "root" stays the first component: "/root/f01/f02" -> ["root", "f01", "f02"].
func (id SubnetID) segments() []string {
	s := strings.TrimPrefix(string(id), pathSeparator)
	if s == "" {
		return nil
	}
	return strings.Split(s, pathSeparator)
}

func fromSegments(segs []string) SubnetID {
	if len(segs) == 0 {
		return ""
	}
	return SubnetID(pathSeparator + strings.Join(segs, pathSeparator))
}

// Parent returns the SubnetID one level up the hierarchy. Fails on the root.
func (id SubnetID) Parent() (SubnetID, error) {
	segs := id.segments()
	if len(segs) <= 1 {
		return "", xerrors.Errorf("subnet %s has no parent", id)
	}
	return fromSegments(segs[:len(segs)-1]), nil
}

// Actor returns the address of the subnet actor that registered this subnet,
// i.e. the final path component.
func (id SubnetID) Actor() (address.Address, error) {
	segs := id.segments()
	if len(segs) == 0 {
		return address.Undef, xerrors.Errorf("subnet %s has no actor, it is the root", id)
	}
	return address.NewFromString(segs[len(segs)-1])
}

// CommonParent returns the deepest SubnetID that is an ancestor of both id
// and other, along with its depth (0 = root). Returns found=false only when
// the two paths don't even share a root (i.e. never, in a single hierarchy,
// since every SubnetID is rooted the same way) -- kept for API symmetry
// with the source's Option<(depth, SubnetID)>.
func (id SubnetID) CommonParent(other SubnetID) (SubnetID, int, bool) {
	a, b := id.segments(), other.segments()
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	matched := 0
	for matched < n && a[matched] == b[matched] {
		matched++
	}
	if matched == 0 {
		return RootSubnet, 0, true
	}
	return fromSegments(a[:matched]), matched - 1, true
}

// Depth is the number of path components below the root, e.g. "/root" has
// depth 0 and "/root/f01/f02" has depth 2. Used by the bottom-up/top-down
// cross-message classification in sca/types.go (original_source's
// is_bottomup compares this against the common-parent index).
func (id SubnetID) Depth() int {
	return len(id.segments()) - 1
}

// ChildTowards returns the immediate child of id that lies on the path to
// dst, the first hop a message travelling top-down from id must be
// re-committed into. Fails unless id is a strict ancestor of dst.
func (id SubnetID) ChildTowards(dst SubnetID) (SubnetID, error) {
	a, b := id.segments(), dst.segments()
	if len(b) <= len(a) {
		return "", xerrors.Errorf("%s is not a strict ancestor of %s", id, dst)
	}
	for i := range a {
		if a[i] != b[i] {
			return "", xerrors.Errorf("%s is not a strict ancestor of %s", id, dst)
		}
	}
	return fromSegments(b[:len(a)+1]), nil
}

// IsAncestorOf reports whether id is a (non-strict) ancestor of other.
func (id SubnetID) IsAncestorOf(other SubnetID) bool {
	cp, _, ok := id.CommonParent(other)
	return ok && cp == id
}

// Equals is a value-equality helper kept for readability at call sites.
func (id SubnetID) Equals(other SubnetID) bool {
	return id == other
}

// SubnetKey implements the adt.Map Keyer interface so a SubnetID can be used
// directly as a HAMT key, mirroring the teacher's hierarchical.SubnetKey
// helper used throughout sca_state.go.
type SubnetKey SubnetID

func (k SubnetKey) Key() string {
	return string(k)
}

func NewSubnetKey(id SubnetID) SubnetKey {
	return SubnetKey(id)
}

// MarshalCBOR/UnmarshalCBOR let a SubnetID be embedded directly as a field
// in any cbor-gen-style struct (State.NetworkName, Subnet.ID, Checkpoint
// Data.Source, CrossMsgMeta.From/To, ...).
func (id SubnetID) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteString(w, string(id))
}

func (id *SubnetID) UnmarshalCBOR(r io.Reader) error {
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	s, err := cborutil.ReadString(br, scratch)
	if err != nil {
		return err
	}
	*id = SubnetID(s)
	return nil
}
