/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"net"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type GlobalStuff struct {
	Verbose bool
	Debug   bool
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}

// Zones is the registry of zones we are authoritative for. The values
// carry the per-zone writer locks, so the registry must hand out the
// same *ZoneData to every caller.
var Zones = cmap.New[*ZoneData]()

// FindZone returns the registered zone that qname is equal to or below,
// plus whether the match required case folding.
func FindZone(qname string) (*ZoneData, bool) {
	if zd, ok := Zones.Get(qname); ok {
		return zd, false
	}
	lc := CanonicalName(qname)
	if zd, ok := Zones.Get(lc); ok {
		return zd, lc != qname
	}
	for _, parent := range ParentNames(lc) {
		if zd, ok := Zones.Get(parent); ok {
			return zd, lc != qname
		}
	}
	return nil, false
}

// addrToIP extracts the bare IP from a transport address.
func addrToIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}
