/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"fmt"
	"sync"
	"testing"

	"github.com/miekg/dns"
)

// newTestProcessor returns a processor with a clock pinned to the
// epoch, so serials advance strictly by one and the tests can assert
// exact values.
func newTestProcessor(db *ZoneDB) *Processor {
	p := NewProcessor(db)
	p.Now = fixedClock(1)
	return p
}

func testZoneData(id int64) *ZoneData {
	return &ZoneData{ZoneName: "example.com.", ZoneID: id}
}

func journalRowCount(t *testing.T, db *ZoneDB, zoneID int64) int {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM change_journal WHERE zone_id=?", zoneID).Scan(&n)
	if err != nil {
		t.Fatalf("journal count: %v", err)
	}
	return n
}

func TestApplyAddCommitsAndJournals(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	p := newTestProcessor(db)

	muts := []Mutation{
		{Op: MutAddRR, Name: "www.example.com.", Rtype: dns.TypeA, TTL: 3600, Data: "192.0.2.1"},
		{Op: MutAddRR, Name: "www.example.com.", Rtype: dns.TypeA, TTL: 3600, Data: "192.0.2.2"},
	}
	us := &UpdateStatus{}
	rcode := p.Apply(testZoneData(id), nil, muts, us)
	if rcode != dns.RcodeSuccess {
		t.Fatalf("Apply: Got %s Want NOERROR (%s)", dns.RcodeToString[rcode], us.ErrMsg)
	}
	if us.OldSerial != 1000 || us.NewSerial != 1001 {
		t.Errorf("serial transition: Got %d -> %d Want 1000 -> 1001", us.OldSerial, us.NewSerial)
	}
	if us.NumChanges != 2 {
		t.Errorf("NumChanges: Got %d Want 2", us.NumChanges)
	}

	rrs := readTestRRset(t, db, id, "www.example.com.", dns.TypeA)
	if len(rrs) != 2 {
		t.Errorf("stored records: Got %d Want 2", len(rrs))
	}
	if n := journalRowCount(t, db, id); n != 2 {
		t.Errorf("journal rows: Got %d Want 2", n)
	}
	zr, err := db.GetZone("example.com.")
	if err != nil || zr == nil {
		t.Fatalf("GetZone: %v", err)
	}
	if zr.SOA.Serial != 1001 {
		t.Errorf("stored serial: Got %d Want 1001", zr.SOA.Serial)
	}
}

func TestApplyPrereqFailureHasNoSideEffects(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	p := newTestProcessor(db)

	prereqs := []Prereq{{Kind: NameInUse, Name: "missing.example.com."}}
	muts := []Mutation{
		{Op: MutAddRR, Name: "www.example.com.", Rtype: dns.TypeA, TTL: 3600, Data: "192.0.2.1"},
	}
	us := &UpdateStatus{}
	rcode := p.Apply(testZoneData(id), prereqs, muts, us)
	if rcode != dns.RcodeNameError {
		t.Fatalf("Apply: Got %s Want NXDOMAIN", dns.RcodeToString[rcode])
	}

	if rrs := readTestRRset(t, db, id, "www.example.com.", dns.TypeA); len(rrs) != 0 {
		t.Errorf("mutations applied despite failed prerequisite: %d records", len(rrs))
	}
	if n := journalRowCount(t, db, id); n != 0 {
		t.Errorf("journal written despite failed prerequisite: %d rows", n)
	}
	zr, _ := db.GetZone("example.com.")
	if zr.SOA.Serial != 1000 {
		t.Errorf("serial moved despite failed prerequisite: %d", zr.SOA.Serial)
	}
}

func TestApplyPrereqRcodes(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	seedRecord(t, db, id, "www.example.com.", "A", 3600, "192.0.2.1")
	p := newTestProcessor(db)

	cases := []struct {
		name    string
		prereqs []Prereq
		want    int
	}{
		{"name-in-use ok", []Prereq{{Kind: NameInUse, Name: "www.example.com."}}, dns.RcodeSuccess},
		{"name-not-in-use fails", []Prereq{{Kind: NameNotInUse, Name: "www.example.com."}}, dns.RcodeYXDomain},
		{"rrset-exists fails", []Prereq{{Kind: RRsetExists, Name: "www.example.com.", Rtype: dns.TypeAAAA}}, dns.RcodeNXRrset},
		{"rrset-not-exists fails", []Prereq{{Kind: RRsetNotExists, Name: "www.example.com.", Rtype: dns.TypeA}}, dns.RcodeYXRrset},
		{"value match ok", []Prereq{{Kind: RRsetExistsValue, Name: "www.example.com.", Rtype: dns.TypeA, Values: []string{"192.0.2.1"}}}, dns.RcodeSuccess},
		{"value mismatch fails", []Prereq{{Kind: RRsetExistsValue, Name: "www.example.com.", Rtype: dns.TypeA, Values: []string{"192.0.2.9"}}}, dns.RcodeNXRrset},
	}
	for _, c := range cases {
		us := &UpdateStatus{}
		rcode := p.Apply(testZoneData(id), c.prereqs, nil, us)
		if rcode != c.want {
			t.Errorf("%s: Got %s Want %s (%s)",
				c.name, dns.RcodeToString[rcode], dns.RcodeToString[c.want], us.ErrMsg)
		}
	}
}

func TestApplyDuplicateAddIsNoop(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	seedRecord(t, db, id, "www.example.com.", "A", 3600, "192.0.2.1")
	p := newTestProcessor(db)

	muts := []Mutation{
		{Op: MutAddRR, Name: "www.example.com.", Rtype: dns.TypeA, TTL: 3600, Data: "192.0.2.1"},
	}
	us := &UpdateStatus{}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeSuccess {
		t.Fatalf("Apply: Got %s Want NOERROR", dns.RcodeToString[rcode])
	}
	if us.NumChanges != 0 {
		t.Errorf("duplicate add counted as a change")
	}
	if us.NewSerial != 1000 {
		t.Errorf("noop advanced the serial to %d", us.NewSerial)
	}
	if n := journalRowCount(t, db, id); n != 0 {
		t.Errorf("noop wrote %d journal rows", n)
	}

	// With the bump-on-noop policy the serial still moves, but the
	// journal stays empty.
	p.SerialBumpOnNoop = true
	us = &UpdateStatus{}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeSuccess {
		t.Fatalf("Apply: Got %s Want NOERROR", dns.RcodeToString[rcode])
	}
	if us.NewSerial != 1001 {
		t.Errorf("bump-on-noop serial: Got %d Want 1001", us.NewSerial)
	}
	if n := journalRowCount(t, db, id); n != 0 {
		t.Errorf("bump-on-noop wrote %d journal rows", n)
	}
}

func TestApplyDeleteVariants(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	seedRecord(t, db, id, "www.example.com.", "A", 3600, "192.0.2.1")
	seedRecord(t, db, id, "www.example.com.", "A", 3600, "192.0.2.2")
	seedRecord(t, db, id, "www.example.com.", "TXT", 3600, "\"hello\"")
	p := newTestProcessor(db)

	// Exact delete of one of two A records.
	us := &UpdateStatus{}
	muts := []Mutation{{Op: MutDeleteRR, Name: "www.example.com.", Rtype: dns.TypeA, Data: "192.0.2.1"}}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeSuccess {
		t.Fatalf("delete RR: Got %s", dns.RcodeToString[rcode])
	}
	if us.NumChanges != 1 {
		t.Errorf("delete RR NumChanges: Got %d Want 1", us.NumChanges)
	}
	if rrs := readTestRRset(t, db, id, "www.example.com.", dns.TypeA); len(rrs) != 1 {
		t.Errorf("A rrset after exact delete: Got %d records Want 1", len(rrs))
	}

	// Delete the whole remaining A rrset.
	us = &UpdateStatus{}
	muts = []Mutation{{Op: MutDeleteRRset, Name: "www.example.com.", Rtype: dns.TypeA}}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeSuccess {
		t.Fatalf("delete rrset: Got %s", dns.RcodeToString[rcode])
	}
	if us.NumChanges != 1 {
		t.Errorf("delete rrset NumChanges: Got %d Want 1", us.NumChanges)
	}

	// Delete the name; only the TXT record is left.
	us = &UpdateStatus{}
	muts = []Mutation{{Op: MutDeleteName, Name: "www.example.com."}}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeSuccess {
		t.Fatalf("delete name: Got %s", dns.RcodeToString[rcode])
	}
	if us.NumChanges != 1 {
		t.Errorf("delete name NumChanges: Got %d Want 1", us.NumChanges)
	}
	if rrs := readTestRRset(t, db, id, "www.example.com.", dns.TypeTXT); len(rrs) != 0 {
		t.Errorf("TXT rrset survived delete-name")
	}

	// Deleting absent data is a no-op, not an error.
	us = &UpdateStatus{}
	muts = []Mutation{{Op: MutDeleteRR, Name: "www.example.com.", Rtype: dns.TypeA, Data: "192.0.2.99"}}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeSuccess {
		t.Fatalf("delete absent: Got %s", dns.RcodeToString[rcode])
	}
	if us.NumChanges != 0 {
		t.Errorf("delete of absent data counted as a change")
	}
}

func TestApplyConcurrentUpdatesSerialize(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	p := newTestProcessor(db)
	zd := testZoneData(id)

	// All writers share one ZoneData; its lock must serialize them so
	// each transaction sees the serial its predecessor committed.
	const writers = 8
	statuses := make([]UpdateStatus, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			muts := []Mutation{{
				Op:    MutAddRR,
				Name:  fmt.Sprintf("h%d.example.com.", i),
				Rtype: dns.TypeA,
				TTL:   3600,
				Data:  fmt.Sprintf("192.0.2.%d", i+1),
			}}
			if rcode := p.Apply(zd, nil, muts, &statuses[i]); rcode != dns.RcodeSuccess {
				t.Errorf("writer %d: Got %s Want NOERROR (%s)",
					i, dns.RcodeToString[rcode], statuses[i].ErrMsg)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for i := range statuses {
		us := &statuses[i]
		if us.NewSerial != us.OldSerial+1 {
			t.Errorf("writer %d serial transition: Got %d -> %d", i, us.OldSerial, us.NewSerial)
		}
		if seen[us.NewSerial] {
			t.Errorf("serial %d handed out twice", us.NewSerial)
		}
		seen[us.NewSerial] = true
	}

	zr, err := db.GetZone("example.com.")
	if err != nil || zr == nil {
		t.Fatalf("GetZone: %v", err)
	}
	if zr.SOA.Serial != 1000+writers {
		t.Errorf("final serial: Got %d Want %d", zr.SOA.Serial, 1000+writers)
	}

	// The journal must hold one contiguous step per writer.
	steps, err := db.JournalDiff(id, 1000, 1000+writers)
	if err != nil {
		t.Fatalf("JournalDiff: %v", err)
	}
	if len(steps) != writers {
		t.Fatalf("journal steps: Got %d Want %d", len(steps), writers)
	}
	next := uint32(1000)
	for _, st := range steps {
		if st.FromSerial != next || st.ToSerial != next+1 {
			t.Errorf("journal step: Got %d -> %d Want %d -> %d",
				st.FromSerial, st.ToSerial, next, next+1)
		}
		next = st.ToSerial
	}
}

func TestApplyDisabledZoneRefused(t *testing.T) {
	db := newTestDB(t)
	id := addTestZone(t, db, "example.com.", 1000)
	if _, err := db.Exec("UPDATE zones SET enabled=0 WHERE id=?", id); err != nil {
		t.Fatalf("disable zone: %v", err)
	}
	p := newTestProcessor(db)

	us := &UpdateStatus{}
	muts := []Mutation{{Op: MutAddRR, Name: "www.example.com.", Rtype: dns.TypeA, TTL: 3600, Data: "192.0.2.1"}}
	if rcode := p.Apply(testZoneData(id), nil, muts, us); rcode != dns.RcodeRefused {
		t.Errorf("update against disabled zone: Got %s Want REFUSED", dns.RcodeToString[rcode])
	}
}

func TestParsePrereqsClassification(t *testing.T) {
	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	mustAnswer := func(s string) {
		rr, err := dns.NewRR(s)
		if err != nil {
			t.Fatalf("NewRR(%q): %v", s, err)
		}
		m.Answer = append(m.Answer, rr)
	}
	mustAnswer("www.example.com. 0 IN A 192.0.2.1")
	mustAnswer("www.example.com. 0 IN A 192.0.2.2")

	prereqs, err := ParsePrereqs(m, "example.com.")
	if err != nil {
		t.Fatalf("ParsePrereqs: %v", err)
	}
	// Two value assertions for the same rrset merge into one.
	if len(prereqs) != 1 {
		t.Fatalf("prereq count: Got %d Want 1", len(prereqs))
	}
	if prereqs[0].Kind != RRsetExistsValue || len(prereqs[0].Values) != 2 {
		t.Errorf("merged value prereq: Got %+v", prereqs[0])
	}

	// An owner outside the zone is a format error.
	m = new(dns.Msg)
	m.SetUpdate("example.com.")
	rr, _ := dns.NewRR("www.other.org. 0 IN A 192.0.2.1")
	m.Answer = append(m.Answer, rr)
	if _, err := ParsePrereqs(m, "example.com."); err == nil {
		t.Errorf("out-of-zone prerequisite accepted")
	}

	// Nonzero TTL is a format error.
	m = new(dns.Msg)
	m.SetUpdate("example.com.")
	rr, _ = dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	m.Answer = append(m.Answer, rr)
	if _, err := ParsePrereqs(m, "example.com."); err == nil {
		t.Errorf("nonzero-TTL prerequisite accepted")
	}
}

func TestParseMutationsClassification(t *testing.T) {
	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	rrAdd, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	m.Insert([]dns.RR{rrAdd})
	rrDel, _ := dns.NewRR("old.example.com. 0 IN A 192.0.2.9")
	m.Remove([]dns.RR{rrDel})
	rrName, _ := dns.NewRR("gone.example.com. 0 IN A 0.0.0.0")
	m.RemoveName([]dns.RR{rrName})
	rrSet, _ := dns.NewRR("txt.example.com. 0 IN TXT \"x\"")
	m.RemoveRRset([]dns.RR{rrSet})

	muts, err := ParseMutations(m, "example.com.")
	if err != nil {
		t.Fatalf("ParseMutations: %v", err)
	}
	if len(muts) != 4 {
		t.Fatalf("mutation count: Got %d Want 4", len(muts))
	}
	wantOps := []MutationOp{MutAddRR, MutDeleteRR, MutDeleteName, MutDeleteRRset}
	for i, want := range wantOps {
		if muts[i].Op != want {
			t.Errorf("mutation %d: Got op %d Want %d", i, muts[i].Op, want)
		}
	}

	// Meta types cannot be mutated.
	m = new(dns.Msg)
	m.SetUpdate("example.com.")
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeOPT, Class: dns.ClassINET}}
	m.Ns = append(m.Ns, opt)
	if _, err := ParseMutations(m, "example.com."); err == nil {
		t.Errorf("meta type in update section accepted")
	}
}
