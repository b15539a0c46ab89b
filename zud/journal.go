/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/rand"
)

// ErrJournalGap signals that part of the requested serial range has
// been pruned. It is not a failure: the transfer generator consumes it
// to fall back to a full transfer, and it never reaches a client as an
// error.
var ErrJournalGap = errors.New("change journal gap")

// SerialStep is the journal content of one committed serial advance:
// the deletions and additions that took the zone from FromSerial to
// ToSerial.
type SerialStep struct {
	FromSerial uint32
	ToSerial   uint32
	Entries    []JournalEntry
}

// AppendJournalEntries writes the entries for one committed serial
// inside the caller's transaction. The caller has already advanced the
// serial in the same transaction; journal and zone state land together
// or not at all.
func AppendJournalEntries(tx *Tx, zoneID int64, prevSerial, serial uint32, entries []JournalEntry) error {
	for i := range entries {
		e := &entries[i]
		_, err := tx.Exec(`INSERT INTO change_journal (zone_id, serial, prev_serial, seq, change_type, name, type, ttl, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			zoneID, serial, prevSerial, i, ChangeTypeToString[e.Change], e.Name, e.Rtype, e.TTL, e.Data)
		if err != nil {
			return fmt.Errorf("journal append for serial %d: %v", serial, err)
		}
	}
	return nil
}

// JournalDiff returns the ordered serial steps taking a zone from
// fromSerial to toSerial. The steps must chain: the first step starts
// at fromSerial, every later step starts where the previous one ended,
// and the last step ends at toSerial. Any break in the chain means
// pruning has eaten part of the range and the result is ErrJournalGap.
func (db *ZoneDB) JournalDiff(zoneID int64, fromSerial, toSerial uint32) ([]SerialStep, error) {
	rows, err := db.Query(`SELECT serial, prev_serial, seq, change_type, name, type, ttl, data
FROM change_journal WHERE zone_id=? ORDER BY id`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []SerialStep
	for rows.Next() {
		var e JournalEntry
		var ct string
		if err := rows.Scan(&e.Serial, &e.PrevSerial, &e.Seq, &ct, &e.Name, &e.Rtype, &e.TTL, &e.Data); err != nil {
			return nil, err
		}
		e.ZoneID = zoneID
		e.Change = StringToChangeType[ct]
		if n := len(steps); n > 0 && steps[n-1].ToSerial == e.Serial {
			steps[n-1].Entries = append(steps[n-1].Entries, e)
		} else {
			steps = append(steps, SerialStep{FromSerial: e.PrevSerial, ToSerial: e.Serial, Entries: []JournalEntry{e}})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Walk the chain from fromSerial to toSerial.
	var out []SerialStep
	cur := fromSerial
	for _, step := range steps {
		if !SerialGt(step.ToSerial, cur) {
			continue // already covered by the client's serial
		}
		if step.FromSerial != cur {
			return nil, ErrJournalGap
		}
		out = append(out, step)
		cur = step.ToSerial
	}
	if cur != toSerial {
		return nil, ErrJournalGap
	}
	return out, nil
}

// JournalRetention bounds how much history a zone keeps: entries older
// than MaxAge or beyond the newest MaxSerials serial steps are pruned.
// Zero values disable the respective bound.
type JournalRetention struct {
	MaxAge     time.Duration
	MaxSerials int
}

// PruneJournal enforces retention for one zone. The newest serial is
// never pruned, whatever the thresholds say, so an up-to-date
// secondary always finds its anchor.
func (db *ZoneDB) PruneJournal(zoneID int64, ret JournalRetention) (int64, error) {
	var newest uint32
	err := db.QueryRow("SELECT COALESCE(MAX(serial), 0) FROM change_journal WHERE zone_id=?", zoneID).Scan(&newest)
	if err != nil {
		return 0, err
	}
	if newest == 0 {
		return 0, nil
	}

	var pruned int64
	if ret.MaxAge > 0 {
		cutoff := time.Now().Add(-ret.MaxAge).UTC()
		res, err := db.Exec("DELETE FROM change_journal WHERE zone_id=? AND serial<>? AND changed_at<?",
			zoneID, newest, cutoff)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	if ret.MaxSerials > 0 {
		res, err := db.Exec(`DELETE FROM change_journal WHERE zone_id=? AND serial<>? AND serial NOT IN
(SELECT DISTINCT serial FROM change_journal WHERE zone_id=? ORDER BY serial DESC LIMIT ?)`,
			zoneID, newest, zoneID, ret.MaxSerials)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return pruned, nil
}

// pruneJitter picks a random delay of up to a tenth of the interval.
// Intervals too short to jitter get none; rand.Int63n panics on a
// non-positive bound.
func pruneJitter(interval time.Duration) time.Duration {
	n := int64(interval / 10)
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(n))
}

// JournalPruner runs retention for all registered zones on a jittered
// interval until the stop channel closes. Jitter keeps a fleet of
// servers from hitting their databases in lockstep.
func JournalPruner(db *ZoneDB, ret JournalRetention, interval time.Duration, stopch chan struct{}) {
	if interval == 0 {
		interval = time.Hour
	}
	log.Printf("JournalPruner: starting (interval %v, max age %v, max serials %d)",
		interval, ret.MaxAge, ret.MaxSerials)
	for {
		jitter := pruneJitter(interval)
		select {
		case <-stopch:
			log.Printf("JournalPruner: terminating")
			return
		case <-time.After(interval + jitter):
		}
		for _, zname := range Zones.Keys() {
			zd, ok := Zones.Get(zname)
			if !ok {
				continue
			}
			n, err := db.PruneJournal(zd.ZoneID, ret)
			if err != nil {
				log.Printf("JournalPruner: zone %s: %v", zname, err)
				continue
			}
			if n > 0 && Globals.Verbose {
				log.Printf("JournalPruner: zone %s: pruned %d journal entries", zname, n)
			}
		}
	}
}
