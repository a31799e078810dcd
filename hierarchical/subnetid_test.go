package hierarchical_test

import (
	"bytes"
	"testing"

	address "github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/require"

	"github.com/ipc-labs/sca/hierarchical"
)

func mustID(t *testing.T, n uint64) address.Address {
	t.Helper()
	a, err := address.NewIDAddress(n)
	require.NoError(t, err)
	return a
}

func TestNewSubnetIDAndParent(t *testing.T) {
	a1 := mustID(t, 1001)
	a2 := mustID(t, 1002)

	sn1 := hierarchical.NewSubnetID(hierarchical.RootSubnet, a1)
	require.Equal(t, "/root/"+a1.String(), sn1.String())

	sn2 := hierarchical.NewSubnetID(sn1, a2)
	require.Equal(t, sn1.String()+"/"+a2.String(), sn2.String())

	parent, err := sn2.Parent()
	require.NoError(t, err)
	require.Equal(t, sn1, parent)

	actor, err := sn2.Actor()
	require.NoError(t, err)
	require.Equal(t, a2, actor)

	_, err = hierarchical.RootSubnet.Parent()
	require.Error(t, err)
}

func TestCommonParent(t *testing.T) {
	a1 := mustID(t, 1001)
	a2 := mustID(t, 1002)
	a3 := mustID(t, 1003)

	root := hierarchical.RootSubnet
	sn1 := hierarchical.NewSubnetID(root, a1)
	sn1sub1 := hierarchical.NewSubnetID(sn1, a2)
	sn1sub2 := hierarchical.NewSubnetID(sn1, a3)

	cp, depth, ok := sn1sub1.CommonParent(sn1sub2)
	require.True(t, ok)
	require.Equal(t, sn1, cp)
	require.Equal(t, 1, depth)

	cp, depth, ok = root.CommonParent(sn1sub1)
	require.True(t, ok)
	require.Equal(t, root, cp)
	require.Equal(t, 0, depth)

	cp, _, ok = sn1sub1.CommonParent(sn1sub1)
	require.True(t, ok)
	require.Equal(t, sn1sub1, cp)
}

func TestDepth(t *testing.T) {
	a1 := mustID(t, 1001)
	a2 := mustID(t, 1002)

	root := hierarchical.RootSubnet
	sn1 := hierarchical.NewSubnetID(root, a1)
	sn1sub1 := hierarchical.NewSubnetID(sn1, a2)

	require.Equal(t, 0, root.Depth())
	require.Equal(t, 1, sn1.Depth())
	require.Equal(t, 2, sn1sub1.Depth())
}

func TestIsAncestorOf(t *testing.T) {
	a1 := mustID(t, 1001)
	a2 := mustID(t, 1002)
	root := hierarchical.RootSubnet
	sn1 := hierarchical.NewSubnetID(root, a1)
	sn1sub1 := hierarchical.NewSubnetID(sn1, a2)

	require.True(t, root.IsAncestorOf(sn1sub1))
	require.True(t, sn1.IsAncestorOf(sn1sub1))
	require.False(t, sn1sub1.IsAncestorOf(sn1))
}

func TestSubnetIDCBORRoundTrip(t *testing.T) {
	a1 := mustID(t, 1001)
	sn1 := hierarchical.NewSubnetID(hierarchical.RootSubnet, a1)

	var buf bytes.Buffer
	require.NoError(t, sn1.MarshalCBOR(&buf))

	var out hierarchical.SubnetID
	require.NoError(t, out.UnmarshalCBOR(&buf))
	require.Equal(t, sn1, out)
}
