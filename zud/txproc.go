/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

// The transaction processor applies one validated update request to a
// zone: prerequisites first, then the mutations, then the serial
// advance and the journal entries, all inside a single storage
// transaction under the zone's writer lock. Either everything in the
// request lands or nothing does.

type PrereqKind uint8

const (
	NameInUse PrereqKind = iota + 1
	NameNotInUse
	RRsetExists
	RRsetNotExists
	RRsetExistsValue
)

type Prereq struct {
	Kind   PrereqKind
	Name   string
	Rtype  uint16
	Values []string // presentation rdata, RRsetExistsValue only
}

type MutationOp uint8

const (
	MutAddRR MutationOp = iota + 1
	MutDeleteRR
	MutDeleteRRset
	MutDeleteName
)

type Mutation struct {
	Op    MutationOp
	Name  string
	Rtype uint16
	TTL   uint32
	Data  string // presentation rdata, MutAddRR/MutDeleteRR only
}

// PrereqError carries the protocol response code a failed prerequisite
// maps to, so the responder can surface the exact failure class.
type PrereqError struct {
	Rcode  int
	Reason string
}

func (e *PrereqError) Error() string {
	return fmt.Sprintf("prerequisite failed (%s): %s", dns.RcodeToString[e.Rcode], e.Reason)
}

// ParsePrereqs classifies the prerequisite section of an update
// message. Wire-level violations (nonzero TTL, rdata where none is
// allowed, owner outside the zone) are format errors, caught before
// any state is touched.
func ParsePrereqs(r *dns.Msg, zone string) ([]Prereq, error) {
	var prereqs []Prereq
	zone = CanonicalName(zone)
	for _, rr := range r.Answer {
		hdr := rr.Header()
		name := CanonicalName(hdr.Name)
		if !dns.IsSubDomain(zone, name) {
			return nil, fmt.Errorf("prerequisite owner %s outside zone %s", name, zone)
		}
		if hdr.Ttl != 0 {
			return nil, fmt.Errorf("prerequisite with nonzero TTL")
		}
		switch hdr.Class {
		case dns.ClassANY:
			if RdataString(rr) != "" {
				return nil, fmt.Errorf("class ANY prerequisite with rdata")
			}
			if hdr.Rrtype == dns.TypeANY {
				prereqs = append(prereqs, Prereq{Kind: NameInUse, Name: name})
			} else {
				prereqs = append(prereqs, Prereq{Kind: RRsetExists, Name: name, Rtype: hdr.Rrtype})
			}
		case dns.ClassNONE:
			if RdataString(rr) != "" {
				return nil, fmt.Errorf("class NONE prerequisite with rdata")
			}
			if hdr.Rrtype == dns.TypeANY {
				prereqs = append(prereqs, Prereq{Kind: NameNotInUse, Name: name})
			} else {
				prereqs = append(prereqs, Prereq{Kind: RRsetNotExists, Name: name, Rtype: hdr.Rrtype})
			}
		case dns.ClassINET:
			// Value prerequisites for the same (name, type) aggregate
			// into one whole-RRset comparison.
			data := RdataString(rr)
			merged := false
			for i := range prereqs {
				p := &prereqs[i]
				if p.Kind == RRsetExistsValue && p.Name == name && p.Rtype == hdr.Rrtype {
					p.Values = append(p.Values, data)
					merged = true
					break
				}
			}
			if !merged {
				prereqs = append(prereqs, Prereq{Kind: RRsetExistsValue, Name: name, Rtype: hdr.Rrtype, Values: []string{data}})
			}
		default:
			return nil, fmt.Errorf("prerequisite with unsupported class %d", hdr.Class)
		}
	}
	return prereqs, nil
}

// ParseMutations classifies the update section. Meta types can never
// appear as mutations.
func ParseMutations(r *dns.Msg, zone string) ([]Mutation, error) {
	var muts []Mutation
	zone = CanonicalName(zone)
	for _, rr := range r.Ns {
		hdr := rr.Header()
		name := CanonicalName(hdr.Name)
		if !dns.IsSubDomain(zone, name) {
			return nil, fmt.Errorf("update owner %s outside zone %s", name, zone)
		}
		switch hdr.Rrtype {
		case dns.TypeOPT, dns.TypeTSIG, dns.TypeAXFR, dns.TypeIXFR:
			return nil, fmt.Errorf("meta type %s in update section", dns.TypeToString[hdr.Rrtype])
		}
		switch hdr.Class {
		case dns.ClassINET:
			if hdr.Rrtype == dns.TypeANY {
				return nil, fmt.Errorf("class IN update with type ANY")
			}
			muts = append(muts, Mutation{Op: MutAddRR, Name: name, Rtype: hdr.Rrtype, TTL: hdr.Ttl, Data: RdataString(rr)})
		case dns.ClassNONE:
			if hdr.Rrtype == dns.TypeANY {
				return nil, fmt.Errorf("class NONE update with type ANY")
			}
			muts = append(muts, Mutation{Op: MutDeleteRR, Name: name, Rtype: hdr.Rrtype, Data: RdataString(rr)})
		case dns.ClassANY:
			if RdataString(rr) != "" {
				return nil, fmt.Errorf("class ANY update with rdata")
			}
			if hdr.Rrtype == dns.TypeANY {
				muts = append(muts, Mutation{Op: MutDeleteName, Name: name})
			} else {
				muts = append(muts, Mutation{Op: MutDeleteRRset, Name: name, Rtype: hdr.Rrtype})
			}
		default:
			return nil, fmt.Errorf("update with unsupported class %d", hdr.Class)
		}
	}
	return muts, nil
}

// Processor applies update transactions. SerialBumpOnNoop controls
// whether a request with zero net-effective mutations still advances
// the serial; either way it commits and writes no journal entries.
type Processor struct {
	DB               *ZoneDB
	SerialBumpOnNoop bool
	Now              func() time.Time
}

func NewProcessor(db *ZoneDB) *Processor {
	return &Processor{DB: db, Now: time.Now}
}

func (p *Processor) checkPrereqs(tx *Tx, zoneID int64, prereqs []Prereq) *PrereqError {
	for i := range prereqs {
		pr := &prereqs[i]
		switch pr.Kind {
		case NameInUse:
			ok, err := tx.NameExists(zoneID, pr.Name)
			if err != nil {
				return &PrereqError{Rcode: dns.RcodeServerFailure, Reason: err.Error()}
			}
			if !ok {
				return &PrereqError{Rcode: dns.RcodeNameError, Reason: fmt.Sprintf("name %s not in use", pr.Name)}
			}
		case NameNotInUse:
			ok, err := tx.NameExists(zoneID, pr.Name)
			if err != nil {
				return &PrereqError{Rcode: dns.RcodeServerFailure, Reason: err.Error()}
			}
			if ok {
				return &PrereqError{Rcode: dns.RcodeYXDomain, Reason: fmt.Sprintf("name %s in use", pr.Name)}
			}
		case RRsetExists:
			rrs, err := tx.ReadRRset(zoneID, pr.Name, pr.Rtype)
			if err != nil {
				return &PrereqError{Rcode: dns.RcodeServerFailure, Reason: err.Error()}
			}
			if len(rrs) == 0 {
				return &PrereqError{Rcode: dns.RcodeNXRrset,
					Reason: fmt.Sprintf("rrset %s %s does not exist", pr.Name, dns.TypeToString[pr.Rtype])}
			}
		case RRsetNotExists:
			rrs, err := tx.ReadRRset(zoneID, pr.Name, pr.Rtype)
			if err != nil {
				return &PrereqError{Rcode: dns.RcodeServerFailure, Reason: err.Error()}
			}
			if len(rrs) > 0 {
				return &PrereqError{Rcode: dns.RcodeYXRrset,
					Reason: fmt.Sprintf("rrset %s %s exists", pr.Name, dns.TypeToString[pr.Rtype])}
			}
		case RRsetExistsValue:
			rrs, err := tx.ReadRRset(zoneID, pr.Name, pr.Rtype)
			if err != nil {
				return &PrereqError{Rcode: dns.RcodeServerFailure, Reason: err.Error()}
			}
			if !rrsetMatchesValues(rrs, pr.Values) {
				return &PrereqError{Rcode: dns.RcodeNXRrset,
					Reason: fmt.Sprintf("rrset %s %s does not match asserted values", pr.Name, dns.TypeToString[pr.Rtype])}
			}
		}
	}
	return nil
}

// rrsetMatchesValues compares stored rdata against asserted rdata as
// sets: same members, multiplicity ignored, order irrelevant.
func rrsetMatchesValues(rrs []StoredRecord, values []string) bool {
	stored := make(map[string]bool, len(rrs))
	for i := range rrs {
		stored[rrs[i].Data] = true
	}
	asserted := make(map[string]bool, len(values))
	for _, v := range values {
		asserted[v] = true
	}
	if len(stored) != len(asserted) {
		return false
	}
	for v := range asserted {
		if !stored[v] {
			return false
		}
	}
	return true
}

// applyMutations performs the mutations in request order, returning
// one journal entry per net-effective change. Duplicate adds and
// deletes of absent data are no-ops and produce no entry.
func (p *Processor) applyMutations(tx *Tx, zoneID int64, muts []Mutation) ([]JournalEntry, error) {
	var entries []JournalEntry
	for i := range muts {
		m := &muts[i]
		tstr := dns.TypeToString[m.Rtype]
		switch m.Op {
		case MutAddRR:
			existing, err := tx.ReadRRset(zoneID, m.Name, m.Rtype)
			if err != nil {
				return nil, err
			}
			dup := false
			for j := range existing {
				if existing[j].Data == m.Data {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			if err := tx.InsertRecord(zoneID, m.Name, tstr, m.TTL, m.Data); err != nil {
				return nil, err
			}
			entries = append(entries, JournalEntry{
				Change: ChangeAdd, Name: m.Name, Rtype: tstr, TTL: m.TTL, Data: m.Data,
			})
		case MutDeleteRR:
			existing, err := tx.ReadRRset(zoneID, m.Name, m.Rtype)
			if err != nil {
				return nil, err
			}
			var victim *StoredRecord
			for j := range existing {
				if existing[j].Data == m.Data {
					victim = &existing[j]
					break
				}
			}
			if victim == nil {
				continue
			}
			if _, err := tx.DeleteExactRecord(zoneID, m.Name, tstr, m.Data); err != nil {
				return nil, err
			}
			entries = append(entries, JournalEntry{
				Change: ChangeDelete, Name: m.Name, Rtype: tstr, TTL: victim.TTL, Data: victim.Data,
			})
		case MutDeleteRRset:
			existing, err := tx.ReadRRset(zoneID, m.Name, m.Rtype)
			if err != nil {
				return nil, err
			}
			if len(existing) == 0 {
				continue
			}
			if _, err := tx.DeleteRRset(zoneID, m.Name, tstr); err != nil {
				return nil, err
			}
			for j := range existing {
				entries = append(entries, JournalEntry{
					Change: ChangeDelete, Name: existing[j].Name, Rtype: existing[j].Rtype,
					TTL: existing[j].TTL, Data: existing[j].Data,
				})
			}
		case MutDeleteName:
			existing, err := tx.ReadName(zoneID, m.Name)
			if err != nil {
				return nil, err
			}
			if len(existing) == 0 {
				continue
			}
			if _, err := tx.DeleteName(zoneID, m.Name); err != nil {
				return nil, err
			}
			for j := range existing {
				entries = append(entries, JournalEntry{
					Change: ChangeDelete, Name: existing[j].Name, Rtype: existing[j].Rtype,
					TTL: existing[j].TTL, Data: existing[j].Data,
				})
			}
		}
	}
	return entries, nil
}

// Apply runs one update transaction against the zone: prerequisites,
// mutations, serial advance, journal entries, commit. The zone writer
// lock is held from before the prerequisite reads until after commit,
// so a concurrent update can never base its prerequisites on state
// this transaction is about to change.
func (p *Processor) Apply(zd *ZoneData, prereqs []Prereq, muts []Mutation, us *UpdateStatus) int {
	zd.Lock()
	defer zd.Unlock()

	tx, err := p.DB.Begin("update " + zd.ZoneName)
	if err != nil {
		us.ErrMsg = err.Error()
		return dns.RcodeServerFailure
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	zr, err := tx.GetZone(zd.ZoneName)
	if err != nil {
		us.ErrMsg = err.Error()
		return dns.RcodeServerFailure
	}
	if zr == nil {
		us.ErrMsg = "zone not in storage"
		return dns.RcodeNotAuth
	}
	if !zr.Enabled {
		us.ErrMsg = "zone disabled"
		return dns.RcodeRefused
	}
	us.OldSerial = zr.SOA.Serial

	if perr := p.checkPrereqs(tx, zr.ID, prereqs); perr != nil {
		us.ErrMsg = perr.Reason
		return perr.Rcode
	}

	entries, err := p.applyMutations(tx, zr.ID, muts)
	if err != nil {
		us.ErrMsg = err.Error()
		return dns.RcodeServerFailure
	}

	newSerial := zr.SOA.Serial
	if len(entries) > 0 || p.SerialBumpOnNoop {
		newSerial = NextSerial(zr.SOA.Serial, p.Now())
		if err := tx.SetSerial(zr.ID, newSerial); err != nil {
			us.ErrMsg = err.Error()
			return dns.RcodeServerFailure
		}
	}
	if len(entries) > 0 {
		if err := AppendJournalEntries(tx, zr.ID, zr.SOA.Serial, newSerial, entries); err != nil {
			us.ErrMsg = err.Error()
			return dns.RcodeServerFailure
		}
	}

	if err := tx.Commit(); err != nil {
		us.ErrMsg = err.Error()
		return dns.RcodeServerFailure
	}
	committed = true

	us.NewSerial = newSerial
	us.NumChanges = len(entries)
	if Globals.Verbose {
		log.Printf("Processor: zone %s: %d net change(s), serial %d -> %d",
			zd.ZoneName, len(entries), zr.SOA.Serial, newSerial)
	}
	return dns.RcodeSuccess
}
