package ixfr

import (
	"github.com/miekg/dns"
)

func makeRRSlice(rrs ...string) []dns.RR {
	rrSlice := make([]dns.RR, len(rrs))
	for i, r := range rrs {
		rr, err := dns.NewRR(r)
		if err != nil {
			panic("makeRRSlice: bad RR string: " + r)
		}
		rrSlice[i] = rr
	}
	return rrSlice
}

// rrEquals treats the slices as multisets: order does not matter,
// multiplicity does. With equal lengths, no count ever going negative
// on the b pass means the multisets are identical.
func rrEquals(a, b []dns.RR) bool {
	if len(a) != len(b) {
		return false
	}

	counts := make(map[string]int, len(a))
	for _, rr := range a {
		counts[rr.String()]++
	}
	for _, rr := range b {
		counts[rr.String()]--
		if counts[rr.String()] < 0 {
			return false
		}
	}
	return true
}
