/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"database/sql"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *ZoneDB {
	t.Helper()
	db, err := NewZoneDB(":memory:", false)
	if err != nil {
		t.Fatalf("NewZoneDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addTestZone(t *testing.T, db *ZoneDB, origin string, serial uint32) int64 {
	t.Helper()
	id, err := db.AddZone(&ZoneRow{
		SOA: SOA{
			Origin:  origin,
			Mname:   "ns1." + origin,
			Rname:   "hostmaster." + origin,
			Serial:  serial,
			Refresh: 10800,
			Retry:   3600,
			Expire:  604800,
			Minimum: 3600,
		},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddZone(%s): %v", origin, err)
	}
	return id
}

func seedRecord(t *testing.T, db *ZoneDB, zoneID int64, name, rtype string, ttl uint32, data string) {
	t.Helper()
	tx, err := db.Begin("test seed")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.InsertRecord(zoneID, name, rtype, ttl, data); err != nil {
		t.Fatalf("InsertRecord(%s %s): %v", name, rtype, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func readTestRRset(t *testing.T, db *ZoneDB, zoneID int64, name string, rtype uint16) []StoredRecord {
	t.Helper()
	tx, err := db.Begin("test read")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Commit()
	rrs, err := tx.ReadRRset(zoneID, name, rtype)
	if err != nil {
		t.Fatalf("ReadRRset(%s): %v", name, err)
	}
	return rrs
}

func appendTestStep(t *testing.T, db *ZoneDB, zoneID int64, prev, serial uint32, entries []JournalEntry) {
	t.Helper()
	tx, err := db.Begin("test journal")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := AppendJournalEntries(tx, zoneID, prev, serial, entries); err != nil {
		t.Fatalf("AppendJournalEntries(%d -> %d): %v", prev, serial, err)
	}
	if err := tx.SetSerial(zoneID, serial); err != nil {
		t.Fatalf("SetSerial(%d): %v", serial, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}
