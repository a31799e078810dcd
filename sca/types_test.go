package sca

import (
	"testing"

	address "github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/require"

	"github.com/ipc-labs/sca/hierarchical"
)

// TestIsBottomUp checks isBottomUp against original_source's is_bottomup
// vectors: a message climbing strictly upward out of its sender is
// bottom-up; a message descending towards a child, or staying within the
// same subnet, is not.
func TestIsBottomUp(t *testing.T) {
	f01, err := address.NewIDAddress(101)
	require.NoError(t, err)
	f02, err := address.NewIDAddress(102)
	require.NoError(t, err)

	root := hierarchical.RootSubnet
	sn1 := hierarchical.NewSubnetID(root, f01)
	sn1sub2 := hierarchical.NewSubnetID(sn1, f02)

	require.False(t, isBottomUp(sn1, sn1sub2), "/root/f01 -> /root/f01/f02 is top-down")
	require.True(t, isBottomUp(sn1sub2, sn1), "/root/f01/f02 -> /root/f01 is bottom-up")
	require.False(t, isBottomUp(sn1, sn1), "a message within its own subnet is not bottom-up")
	require.True(t, isBottomUp(sn1sub2, root), "/root/f01/f02 -> /root is bottom-up")
}
