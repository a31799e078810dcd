package hierarchical

import (
	"io"

	address "github.com/filecoin-project/go-address"
	"golang.org/x/xerrors"

	"github.com/ipc-labs/sca/internal/cborutil"
)

// Address pairs a SubnetID with a non-hierarchical inner address, modeling
// the source's Address::Hierarchical variant as a plain product type
// instead of a marker-typed wrapper (see SPEC_FULL.md / DESIGN.md
// "Hierarchical address polymorphism"). Raw can never itself be
// hierarchical because go-address.Address has no such payload kind to begin
// with, so the source's "hierarchical may never wrap hierarchical"
// invariant holds by construction.
type Address struct {
	Subnet SubnetID
	Raw    address.Address
}

// NewHierarchicalAddress wraps raw inside subnet's context.
func NewHierarchicalAddress(subnet SubnetID, raw address.Address) (Address, error) {
	if raw == address.Undef {
		return Address{}, xerrors.New("cannot build a hierarchical address around an undefined raw address")
	}
	if subnet.Empty() {
		return Address{}, xerrors.New("cannot build a hierarchical address with no subnet")
	}
	return Address{Subnet: subnet, Raw: raw}, nil
}

// Equals is field-wise equality over (subnet, raw), per spec.md §4.2.
func (a Address) Equals(b Address) bool {
	return a.Subnet == b.Subnet && a.Raw == b.Raw
}

func (a Address) String() string {
	return a.Subnet.String() + ":" + a.Raw.String()
}

func (a Address) Empty() bool {
	return a.Subnet.Empty() || a.Raw == address.Undef
}

// AddressKey implements adt.Map's Keyer interface so a hierarchical Address
// can be used directly as a HAMT key (AtomicExecParams.Inputs, submitted
// locked-state maps), keyed by its canonical string form per spec.md §9
// ("Keys in maps that require a printable form serialise as the canonical
// path string").
type AddressKey Address

func (k AddressKey) Key() string {
	return Address(k).String()
}

func NewAddressKey(a Address) AddressKey {
	return AddressKey(a)
}

func (a Address) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := a.Subnet.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("failed to write hierarchical address subnet: %w", err)
	}
	if err := a.Raw.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("failed to write hierarchical address raw addr: %w", err)
	}
	return nil
}

func (a *Address) UnmarshalCBOR(r io.Reader) error {
	*a = Address{}
	br := cborutil.NewReader(r)
	scratch := make([]byte, 8)
	if err := cborutil.ExpectArrayHeader(br, scratch, 2); err != nil {
		return err
	}
	if err := (&a.Subnet).UnmarshalCBOR(br); err != nil {
		return xerrors.Errorf("failed to read hierarchical address subnet: %w", err)
	}
	if err := (&a.Raw).UnmarshalCBOR(br); err != nil {
		return xerrors.Errorf("failed to read hierarchical address raw addr: %w", err)
	}
	return nil
}
