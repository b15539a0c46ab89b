/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// CanonicalName normalizes a domain name the way the rest of the
// system stores it: lower case, fully qualified.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// ParentNames returns the chain of ancestor names of a fqdn, nearest
// first, excluding the root.
func ParentNames(name string) []string {
	var parents []string
	labels := dns.SplitDomainName(name)
	for i := 1; i < len(labels); i++ {
		parents = append(parents, dns.Fqdn(strings.Join(labels[i:], ".")))
	}
	return parents
}

// RecordToRR reassembles a dns.RR from its stored columns.
func RecordToRR(name string, ttl uint32, rtype, data string) (dns.RR, error) {
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", name, ttl, rtype, data))
	if err != nil {
		return nil, fmt.Errorf("bad stored record %s %s: %v", name, rtype, err)
	}
	return rr, nil
}

// RdataString returns the presentation-format rdata of rr, i.e. the
// part that goes into the records.data column.
func RdataString(rr dns.RR) string {
	return strings.TrimSpace(strings.TrimPrefix(rr.String(), rr.Header().String()))
}

// StoredRecord mirrors one row of the records table.
type StoredRecord struct {
	ID    int64
	Name  string
	Rtype string
	TTL   uint32
	Data  string
}

func (sr *StoredRecord) RR() (dns.RR, error) {
	return RecordToRR(sr.Name, sr.TTL, sr.Rtype, sr.Data)
}

const zoneCols = "id, origin, mname, rname, serial, refresh, retry, expire, minimum, update_acl, xfer, enabled"

// ZoneRow is the zones-table row, including the legacy ACL columns.
// The sql.NullString distinction matters: an absent ACL and an empty
// ACL authorize differently.
type ZoneRow struct {
	ID        int64
	SOA       SOA
	UpdateACL sql.NullString
	XferACL   sql.NullString
	Enabled   bool
}

func scanZoneRow(row *sql.Row) (*ZoneRow, error) {
	var zr ZoneRow
	var enabled int
	err := row.Scan(&zr.ID, &zr.SOA.Origin, &zr.SOA.Mname, &zr.SOA.Rname,
		&zr.SOA.Serial, &zr.SOA.Refresh, &zr.SOA.Retry, &zr.SOA.Expire,
		&zr.SOA.Minimum, &zr.UpdateACL, &zr.XferACL, &enabled)
	if err != nil {
		return nil, err
	}
	zr.Enabled = enabled != 0
	return &zr, nil
}

func (db *ZoneDB) GetZone(origin string) (*ZoneRow, error) {
	row := db.QueryRow("SELECT "+zoneCols+" FROM zones WHERE origin=?", CanonicalName(origin))
	zr, err := scanZoneRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return zr, err
}

func (tx *Tx) GetZone(origin string) (*ZoneRow, error) {
	row := tx.QueryRow("SELECT "+zoneCols+" FROM zones WHERE origin=?", CanonicalName(origin))
	zr, err := scanZoneRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return zr, err
}

// AddZone inserts a zone row; used at startup when a configured zone
// is not yet in the database, and by tests.
func (db *ZoneDB) AddZone(zr *ZoneRow) (int64, error) {
	res, err := db.Exec(`INSERT INTO zones (origin, mname, rname, serial, refresh, retry, expire, minimum, update_acl, xfer, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		CanonicalName(zr.SOA.Origin), zr.SOA.Mname, zr.SOA.Rname, zr.SOA.Serial,
		zr.SOA.Refresh, zr.SOA.Retry, zr.SOA.Expire, zr.SOA.Minimum,
		zr.UpdateACL, zr.XferACL, boolToInt(zr.Enabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NameExists reports whether any record (or the apex) exists for name.
func (tx *Tx) NameExists(zoneID int64, name string) (bool, error) {
	var n int
	err := tx.QueryRow("SELECT COUNT(*) FROM records WHERE zone_id=? AND name=?",
		zoneID, CanonicalName(name)).Scan(&n)
	return n > 0, err
}

// ReadRRset returns all records for (name, type), in insertion order.
func (tx *Tx) ReadRRset(zoneID int64, name string, rtype uint16) ([]StoredRecord, error) {
	rows, err := tx.Query("SELECT id, name, type, ttl, data FROM records WHERE zone_id=? AND name=? AND type=? ORDER BY id",
		zoneID, CanonicalName(name), dns.TypeToString[rtype])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rrs []StoredRecord
	for rows.Next() {
		var sr StoredRecord
		if err := rows.Scan(&sr.ID, &sr.Name, &sr.Rtype, &sr.TTL, &sr.Data); err != nil {
			return nil, err
		}
		rrs = append(rrs, sr)
	}
	return rrs, rows.Err()
}

// ReadName returns every record owned by name, regardless of type.
func (tx *Tx) ReadName(zoneID int64, name string) ([]StoredRecord, error) {
	rows, err := tx.Query("SELECT id, name, type, ttl, data FROM records WHERE zone_id=? AND name=? ORDER BY type, id",
		zoneID, CanonicalName(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rrs []StoredRecord
	for rows.Next() {
		var sr StoredRecord
		if err := rows.Scan(&sr.ID, &sr.Name, &sr.Rtype, &sr.TTL, &sr.Data); err != nil {
			return nil, err
		}
		rrs = append(rrs, sr)
	}
	return rrs, rows.Err()
}

// ReadAllRecords returns every record of a zone ordered by owner name
// and type, the order a full transfer streams them in.
func (tx *Tx) ReadAllRecords(zoneID int64) ([]StoredRecord, error) {
	rows, err := tx.Query("SELECT id, name, type, ttl, data FROM records WHERE zone_id=? ORDER BY name, type, id", zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rrs []StoredRecord
	for rows.Next() {
		var sr StoredRecord
		if err := rows.Scan(&sr.ID, &sr.Name, &sr.Rtype, &sr.TTL, &sr.Data); err != nil {
			return nil, err
		}
		rrs = append(rrs, sr)
	}
	return rrs, rows.Err()
}

func (tx *Tx) InsertRecord(zoneID int64, name string, rtype string, ttl uint32, data string) error {
	_, err := tx.Exec("INSERT INTO records (zone_id, name, type, ttl, data) VALUES (?, ?, ?, ?, ?)",
		zoneID, CanonicalName(name), rtype, ttl, data)
	return err
}

// DeleteExactRecord removes records matching (name, type, data).
// Returns the number of rows removed.
func (tx *Tx) DeleteExactRecord(zoneID int64, name string, rtype string, data string) (int64, error) {
	res, err := tx.Exec("DELETE FROM records WHERE zone_id=? AND name=? AND type=? AND data=?",
		zoneID, CanonicalName(name), rtype, data)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (tx *Tx) DeleteRRset(zoneID int64, name string, rtype string) (int64, error) {
	res, err := tx.Exec("DELETE FROM records WHERE zone_id=? AND name=? AND type=?",
		zoneID, CanonicalName(name), rtype)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (tx *Tx) DeleteName(zoneID int64, name string) (int64, error) {
	res, err := tx.Exec("DELETE FROM records WHERE zone_id=? AND name=?",
		zoneID, CanonicalName(name))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetSerial advances the zone serial inside the surrounding
// transaction; the caller must have computed the new value with
// NextSerial so the monotonic guarantee holds.
func (tx *Tx) SetSerial(zoneID int64, serial uint32) error {
	_, err := tx.Exec("UPDATE zones SET serial=? WHERE id=?", serial, zoneID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
