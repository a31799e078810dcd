package hierarchical_test

import (
	"bytes"
	"testing"

	address "github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/require"

	"github.com/ipc-labs/sca/hierarchical"
)

func TestNewHierarchicalAddress(t *testing.T) {
	raw := mustID(t, 2001)
	sn := hierarchical.NewSubnetID(hierarchical.RootSubnet, mustID(t, 1001))

	ha, err := hierarchical.NewHierarchicalAddress(sn, raw)
	require.NoError(t, err)
	require.False(t, ha.Empty())
	require.True(t, ha.Equals(ha))

	_, err = hierarchical.NewHierarchicalAddress(sn, address.Undef)
	require.Error(t, err)

	_, err = hierarchical.NewHierarchicalAddress("", raw)
	require.Error(t, err)
}

func TestHierarchicalAddressCBORRoundTrip(t *testing.T) {
	raw := mustID(t, 2001)
	sn := hierarchical.NewSubnetID(hierarchical.RootSubnet, mustID(t, 1001))
	ha, err := hierarchical.NewHierarchicalAddress(sn, raw)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ha.MarshalCBOR(&buf))

	var out hierarchical.Address
	require.NoError(t, out.UnmarshalCBOR(&buf))
	require.True(t, ha.Equals(out))
}
