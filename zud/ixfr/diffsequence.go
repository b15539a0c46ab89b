package ixfr

import (
	"github.com/miekg/dns"
)

// DiffSequence is one serial step of an incremental transfer: the
// records deleted and added when the zone moved from StartSerial to
// EndSerial.
type DiffSequence struct {
	StartSerial uint32
	EndSerial   uint32
	Added       []dns.RR
	Deleted     []dns.RR
}

func NewDiffSequence(start, end uint32) DiffSequence {
	return DiffSequence{
		StartSerial: start,
		EndSerial:   end,
		Added:       []dns.RR{},
		Deleted:     []dns.RR{},
	}
}

func (self *DiffSequence) AddAdded(rr dns.RR) {
	self.Added = append(self.Added, rr)
}

func (self *DiffSequence) AddDeleted(rr dns.RR) {
	self.Deleted = append(self.Deleted, rr)
}

func (self *DiffSequence) Equals(other DiffSequence) bool {
	if self.StartSerial != other.StartSerial {
		return false
	}
	if self.EndSerial != other.EndSerial {
		return false
	}
	if !rrEquals(self.Added, other.Added) {
		return false
	}
	if !rrEquals(self.Deleted, other.Deleted) {
		return false
	}
	return true
}

// GetAdded returns the additions that survive cancellation against the
// deletions: a record both deleted and re-added within the sequence is
// a no-op and appears in neither result.
func (self *DiffSequence) GetAdded() []dns.RR {
	return self.getDifference(true)
}

func (self *DiffSequence) GetDeleted() []dns.RR {
	return self.getDifference(false)
}

// rrsetKey buckets records per (owner, rrtype).
type rrsetKey struct {
	name  string
	rtype uint16
}

func bucketOf(rr dns.RR) rrsetKey {
	return rrsetKey{name: rr.Header().Name, rtype: rr.Header().Rrtype}
}

/* Set difference "a\b" over rrsets: each record on the b side cancels
 * one record of the same (owner, rrtype) bucket on the a side, so that
 * deleting two NS records and adding three for the same name cancels
 * pairwise within the bucket. Survivors keep their original order.
 */
func (self *DiffSequence) getDifference(getAdded bool) []dns.RR {
	a, b := self.Deleted, self.Added
	if getAdded {
		a, b = self.Added, self.Deleted
	}

	cancel := make(map[rrsetKey]int, len(b))
	for _, rr := range b {
		cancel[bucketOf(rr)]++
	}

	rrs := make([]dns.RR, 0, len(a))
	for _, rr := range a {
		k := bucketOf(rr)
		if cancel[k] > 0 {
			cancel[k]--
			continue
		}
		rrs = append(rrs, rr)
	}
	return rrs
}
