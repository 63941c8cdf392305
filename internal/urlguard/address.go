package urlguard

import (
	"net"
	"net/netip"
)

type blockedRange struct {
	prefix netip.Prefix
	reason string
}

var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"),
	netip.MustParseAddr("fd00:ec2::254"),
	netip.MustParseAddr("100.100.100.200"),
}

var blockedV4 = []blockedRange{
	{netip.MustParsePrefix("0.0.0.0/8"), "this network"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private"},
	{netip.MustParsePrefix("100.64.0.0/10"), "carrier-grade nat"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private"},
	{netip.MustParsePrefix("192.0.0.0/24"), "ietf protocol assignments"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private"},
	{netip.MustParsePrefix("198.18.0.0/15"), "benchmarking"},
	{netip.MustParsePrefix("224.0.0.0/4"), "multicast"},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved"},
}

var blockedV6 = []blockedRange{
	{netip.MustParsePrefix("::/128"), "unspecified"},
	{netip.MustParsePrefix("::1/128"), "loopback"},
	{netip.MustParsePrefix("fc00::/7"), "unique-local"},
	{netip.MustParsePrefix("fe80::/10"), "link-local"},
	{netip.MustParsePrefix("ff00::/8"), "multicast"},
}

// nat64 embeds an IPv4 address in its low 32 bits.
var nat64 = netip.MustParsePrefix("64:ff9b::/96")

// classify returns the reason ip is blocked, if it is.
func classify(ip net.IP) (string, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return "unparseable address", true
	}
	addr = addr.Unmap()

	for _, m := range metadataAddrs {
		if addr == m {
			return "cloud metadata endpoint", true
		}
	}

	if addr.Is4() {
		return matchRanges(addr, blockedV4)
	}

	if nat64.Contains(addr) {
		raw := addr.As16()
		embedded := netip.AddrFrom4([4]byte{raw[12], raw[13], raw[14], raw[15]})
		if reason, blocked := classify(embedded.AsSlice()); blocked {
			return "nat64 " + reason, true
		}
		return "", false
	}

	return matchRanges(addr, blockedV6)
}

func matchRanges(addr netip.Addr, ranges []blockedRange) (string, bool) {
	for _, r := range ranges {
		if r.prefix.Contains(addr) {
			return r.reason, true
		}
	}
	return "", false
}
