package session

import (
	"net/netip"

	"go4.org/netipx"

	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/pack"
)

// Descriptor is the immutable record of addresses/DNS/MTU/session-id
// the server hands back at welcome time. It is produced once, by the
// FSM, and never mutated afterward.
type Descriptor struct {
	SessionID  []byte
	AssignedIP netip.Addr
	Netmask    netip.Addr
	Gateway    netip.Addr
	DNS        []netip.Addr
	MTU        uint16
	Hub        string
	// Heuristic is true when AssignedIP/Netmask/Gateway were derived by
	// scanning the reply for a plausible RFC1918 tuple rather than read
	// from explicit fields (spec §3's fallback).
	Heuristic bool
}

const (
	minMTU = 576
	maxMTU = 9000
)

var errNoAssignedIP = errs.New(errs.KindProtocol, "welcome reply carries no assigned_ip and the heuristic scan found no plausible address", nil)

// descriptorFromWelcome extracts a Descriptor from a "welcome" PACK
// reply, preferring explicit fields and falling back to the byte-scan
// heuristic when assigned_ip is absent. The heuristic scans the
// reply's own re-encoded byte span (spec §3), since that is the
// "reply byte span" a server-supplied opaque blob would also occupy.
func descriptorFromWelcome(p *pack.Pack) (Descriptor, error) {
	d := Descriptor{Hub: p.GetStringDefault("hub_name", "")}

	if el := p.Get("session_id"); el != nil && len(el.Values) > 0 {
		d.SessionID = el.Values[0].Bytes
	}

	mtu := p.GetIntDefault("mtu", 1500)
	if mtu < minMTU {
		mtu = minMTU
	}
	if mtu > maxMTU {
		mtu = maxMTU
	}
	d.MTU = uint16(mtu)

	if assigned, ok := addrFromPack(p, "assigned_ip"); ok {
		d.AssignedIP = assigned
		d.Netmask = addrOrDefault(p, "netmask", defaultNetmaskFor(assigned))
		d.Gateway = addrOrDefault(p, "gateway", deriveGateway(assigned, d.Netmask))
		d.DNS = dnsListFromPack(p)
		if !validSubnet(d.AssignedIP, d.Netmask, d.Gateway) {
			return Descriptor{}, errs.New(errs.KindProtocol, "assigned_ip is not within the advertised gateway subnet", nil)
		}
		return d, nil
	}

	raw, encErr := pack.Encode(p)
	if encErr != nil {
		return Descriptor{}, errs.Wrap(errs.KindProtocol, encErr, "re-encoding welcome reply for heuristic scan")
	}
	assigned, netmask, gateway, found := scanHeuristic(raw)
	if !found {
		return Descriptor{}, errNoAssignedIP
	}
	d.AssignedIP = assigned
	d.Netmask = netmask
	d.Gateway = gateway
	d.Heuristic = true
	d.DNS = dnsListFromPack(p)
	return d, nil
}

func addrFromPack(p *pack.Pack, name string) (netip.Addr, bool) {
	el := p.Get(name)
	if el == nil || len(el.Values) == 0 {
		return netip.Addr{}, false
	}
	v := el.Values[0]
	switch el.Typ {
	case pack.TypeString:
		addr, err := netip.ParseAddr(v.String)
		return addr, err == nil
	case pack.TypeInt:
		return addrFromU32(v.Int), true
	default:
		return netip.Addr{}, false
	}
}

func addrOrDefault(p *pack.Pack, name string, def netip.Addr) netip.Addr {
	if addr, ok := addrFromPack(p, name); ok {
		return addr
	}
	return def
}

func dnsListFromPack(p *pack.Pack) []netip.Addr {
	el := p.Get("dns_servers")
	if el == nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(el.Values))
	for _, v := range el.Values {
		switch el.Typ {
		case pack.TypeString:
			if addr, err := netip.ParseAddr(v.String); err == nil {
				out = append(out, addr)
			}
		case pack.TypeInt:
			out = append(out, addrFromU32(v.Int))
		}
	}
	return out
}

func addrFromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func defaultNetmaskFor(netip.Addr) netip.Addr {
	return netip.AddrFrom4([4]byte{255, 255, 255, 0})
}

func deriveGateway(assigned, netmask netip.Addr) netip.Addr {
	prefix := netip.PrefixFrom(assigned, prefixLen(netmask))
	base := prefix.Masked().Addr().As4()
	return netip.AddrFrom4([4]byte{base[0], base[1], base[2], 1})
}

func prefixLen(mask netip.Addr) int {
	b := mask.As4()
	bits := 0
	for _, octet := range b {
		for i := 7; i >= 0; i-- {
			if octet&(1<<uint(i)) != 0 {
				bits++
			}
		}
	}
	return bits
}

// validSubnet checks the invariant from spec §3: assigned_ip must be
// unicast and fall within the /netmask subnet containing gateway.
func validSubnet(assigned, netmask, gateway netip.Addr) bool {
	if !assigned.IsValid() || !netmask.IsValid() || !gateway.IsValid() {
		return false
	}
	if assigned.IsMulticast() || assigned.IsUnspecified() {
		return false
	}
	rng := netipx.RangeOfPrefix(netip.PrefixFrom(gateway, prefixLen(netmask)))
	return rng.Contains(assigned)
}

// scanHeuristic implements the spec §3 fallback: scan the raw reply
// for the first plausible private-range IPv4 tuple and derive a /24
// subnet and .1 gateway around it.
func scanHeuristic(raw []byte) (assigned, netmask, gateway netip.Addr, found bool) {
	for i := 0; i+4 <= len(raw); i++ {
		candidate := [4]byte{raw[i], raw[i+1], raw[i+2], raw[i+3]}
		addr := netip.AddrFrom4(candidate)
		if !isPrivateUnicast(addr) {
			continue
		}
		netmask = netip.AddrFrom4([4]byte{255, 255, 255, 0})
		gateway = netip.AddrFrom4([4]byte{candidate[0], candidate[1], candidate[2], 1})
		return addr, netmask, gateway, true
	}
	return netip.Addr{}, netip.Addr{}, netip.Addr{}, false
}

// isPrivateUnicast reports whether addr falls in one of the RFC1918
// ranges (10/8, 172.16/12, 192.168/16); the heuristic only trusts
// these ranges since they're what a SoftEther hub typically assigns.
func isPrivateUnicast(addr netip.Addr) bool {
	b := addr.As4()
	switch {
	case b[0] == 10:
		return true
	case b[0] == 172 && b[1] >= 16 && b[1] <= 31:
		return true
	case b[0] == 192 && b[1] == 168:
		return true
	default:
		return false
	}
}
