/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"log"
)

// AuditLogger appends outcome rows to the audit_log table. Auditing is
// observation, not enforcement: a failed insert is logged and the
// operation outcome stands. Per-operation-class toggles let a deployment
// audit updates but not, say, the notify chatter.
type AuditLogger struct {
	DB      *ZoneDB
	Enabled map[OpClass]bool
}

func NewAuditLogger(db *ZoneDB, enabled map[OpClass]bool) *AuditLogger {
	if enabled == nil {
		enabled = map[OpClass]bool{
			OpUpdate:   true,
			OpTransfer: true,
			OpNotify:   true,
		}
	}
	return &AuditLogger{DB: db, Enabled: enabled}
}

func (al *AuditLogger) Record(ar AuditRecord) {
	if al == nil || al.DB == nil {
		return
	}
	if !al.Enabled[ar.Op] {
		return
	}
	_, err := al.DB.Exec(`INSERT INTO audit_log (zone, source, key_name, op, target, success, rcode, serial, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ar.Zone, ar.Source, ar.KeyName, OpClassToString[ar.Op], ar.Target,
		boolToInt(ar.Success), ar.Rcode, ar.Serial, ar.Timestamp.UTC())
	if err != nil {
		log.Printf("AuditLogger: failed to record %s on zone %s from %s: %v",
			OpClassToString[ar.Op], ar.Zone, ar.Source, err)
	}
}

// RecentAuditRecords returns the newest limit rows for a zone, newest
// first. Used by the API inspection endpoint.
func (al *AuditLogger) RecentAuditRecords(zone string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := al.DB.Query(`SELECT zone, source, key_name, op, target, success, rcode, serial, created_at
FROM audit_log WHERE zone=? ORDER BY id DESC LIMIT ?`, CanonicalName(zone), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var ar AuditRecord
		var op string
		var success int
		if err := rows.Scan(&ar.Zone, &ar.Source, &ar.KeyName, &op, &ar.Target,
			&success, &ar.Rcode, &ar.Serial, &ar.Timestamp); err != nil {
			return nil, err
		}
		ar.Success = success != 0
		for k, v := range OpClassToString {
			if v == op {
				ar.Op = k
				break
			}
		}
		out = append(out, ar)
	}
	return out, rows.Err()
}
