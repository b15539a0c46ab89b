package ixfr

import (
	"github.com/miekg/dns"
)

// Ixfr is a parsed incremental transfer: either a sequence of serial
// steps, or a full transfer when the server fell back to AXFR form.
type Ixfr struct {
	InitialSerial uint32
	FinalSerial   uint32
	IsAxfr        bool
	DiffSequences []DiffSequence
	AxfrRRs       []dns.RR
}

func (self *Ixfr) AddDiffSequence(ds DiffSequence) {
	self.DiffSequences = append(self.DiffSequences, ds)
}

func (self *Ixfr) Equals(other Ixfr) bool {
	if self.InitialSerial != other.InitialSerial {
		return false
	}
	if self.FinalSerial != other.FinalSerial {
		return false
	}
	if self.IsAxfr != other.IsAxfr {
		return false
	}
	if self.IsAxfr {
		return rrEquals(self.AxfrRRs, other.AxfrRRs)
	}
	if len(self.DiffSequences) != len(other.DiffSequences) {
		return false
	}
	for i, s := range self.DiffSequences {
		if !s.Equals(other.DiffSequences[i]) {
			return false
		}
	}
	return true
}

// FromResponse parses the answer section of an IXFR response. A
// response whose second record is not a SOA is an AXFR-style fallback
// and is returned with IsAxfr set.
func FromResponse(rsp *dns.Msg) Ixfr {
	ixfr := Ixfr{DiffSequences: []DiffSequence{}}
	if len(rsp.Answer) == 0 {
		return ixfr
	}

	first, ok := rsp.Answer[0].(*dns.SOA)
	if !ok {
		return ixfr
	}
	ixfr.FinalSerial = first.Serial

	if len(rsp.Answer) == 1 {
		// Client already current: server answered with its SOA alone.
		ixfr.InitialSerial = first.Serial
		return ixfr
	}

	if _, ok := rsp.Answer[1].(*dns.SOA); !ok {
		ixfr.IsAxfr = true
		ixfr.AxfrRRs = rsp.Answer
		return ixfr
	}

	/* IXFR form: SOA(final), then per step SOA(from) deletions
	 * SOA(to) additions, closed by a repeat of SOA(final).
	 */
	isAdding := true
	var tmpSeq DiffSequence
	for i, rr := range rsp.Answer[1:] {
		soa, isSoa := rr.(*dns.SOA)
		if !isSoa {
			if isAdding {
				tmpSeq.Added = append(tmpSeq.Added, rr)
			} else {
				tmpSeq.Deleted = append(tmpSeq.Deleted, rr)
			}
			continue
		}
		if isAdding {
			if i == 0 {
				ixfr.InitialSerial = soa.Serial
			} else {
				ixfr.DiffSequences = append(ixfr.DiffSequences, tmpSeq)
			}
			tmpSeq = NewDiffSequence(soa.Serial, 0)
		} else {
			tmpSeq.EndSerial = soa.Serial
		}
		isAdding = !isAdding
	}

	return ixfr
}

// GetCompressed folds all serial steps into a single diff sequence
// spanning InitialSerial to FinalSerial, with intermediate churn
// cancelled out.
func (self *Ixfr) GetCompressed() DiffSequence {
	tmp := NewDiffSequence(0, 1)
	for _, ds := range self.DiffSequences {
		tmp.Added = append(tmp.Added, ds.Added...)
		tmp.Deleted = append(tmp.Deleted, ds.Deleted...)
	}

	return DiffSequence{
		StartSerial: self.InitialSerial,
		EndSerial:   self.FinalSerial,
		Added:       tmp.GetAdded(),
		Deleted:     tmp.GetDeleted(),
	}
}

func (self *Ixfr) GetAdded() []dns.RR {
	ds := self.GetCompressed()
	return ds.GetAdded()
}

func (self *Ixfr) GetDeleted() []dns.RR {
	ds := self.GetCompressed()
	return ds.GetDeleted()
}
