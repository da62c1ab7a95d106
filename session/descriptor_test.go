package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devstroop/vpnse/pack"
)

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestDescriptorFromWelcomeExplicitFields(t *testing.T) {
	p := pack.New()
	require.NoError(t, p.AddString("result", "welcome"))
	require.NoError(t, p.AddString("assigned_ip", "10.21.0.5"))
	require.NoError(t, p.AddString("netmask", "255.255.255.0"))
	require.NoError(t, p.AddString("gateway", "10.21.0.1"))
	require.NoError(t, p.AddInt("mtu", 1500))
	require.NoError(t, p.AddBytes("session_id", []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	require.NoError(t, p.AddStrings("dns_servers", []string{"10.21.0.1"}))

	d, err := descriptorFromWelcome(p)
	require.NoError(t, err)
	require.Equal(t, "10.21.0.5", d.AssignedIP.String())
	require.Equal(t, "255.255.255.0", d.Netmask.String())
	require.Equal(t, "10.21.0.1", d.Gateway.String())
	require.EqualValues(t, 1500, d.MTU)
	require.False(t, d.Heuristic)
	require.Len(t, d.DNS, 1)
}

// TestDescriptorHeuristicFallback corresponds to spec S5: a welcome
// reply with no explicit assigned_ip but an embedded IPv4 tuple.
func TestDescriptorHeuristicFallback(t *testing.T) {
	p := pack.New()
	require.NoError(t, p.AddString("result", "welcome"))
	// Embed the tuple 10.216.48.5 inside an opaque blob, as the
	// heuristic expects to find it.
	blob := append([]byte{0x00, 0x00}, 0x0A, 0xD8, 0x30, 0x05)
	require.NoError(t, p.AddBytes("opaque", blob))

	d, err := descriptorFromWelcome(p)
	require.NoError(t, err)
	require.Equal(t, "10.216.48.5", d.AssignedIP.String())
	require.Equal(t, "255.255.255.0", d.Netmask.String())
	require.Equal(t, "10.216.48.1", d.Gateway.String())
	require.True(t, d.Heuristic)
}

func TestDescriptorNoAssignedIPAndNoHeuristicMatchFails(t *testing.T) {
	p := pack.New()
	require.NoError(t, p.AddString("result", "welcome"))
	require.NoError(t, p.AddString("note", "no private address anywhere in here"))

	_, err := descriptorFromWelcome(p)
	require.Error(t, err)
}

func TestDescriptorClampsMTUToBounds(t *testing.T) {
	p := pack.New()
	require.NoError(t, p.AddString("assigned_ip", "192.168.1.10"))
	require.NoError(t, p.AddInt("mtu", 70000))

	d, err := descriptorFromWelcome(p)
	require.NoError(t, err)
	require.EqualValues(t, maxMTU, d.MTU)
}

func TestValidSubnetRejectsOutOfRangeAssignedIP(t *testing.T) {
	require.False(t, validSubnet(mustAddr("10.0.0.5"), mustAddr("255.255.255.0"), mustAddr("10.21.0.1")))
}
