/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

var DefaultTables = map[string]string{

	// One row per zone we are authoritative for. update_acl and xfer
	// are the legacy comma-separated ACL columns; NULL means "not
	// configured" which is different from the empty string (= deny).
	"zones": `CREATE TABLE IF NOT EXISTS 'zones' (
id		  INTEGER PRIMARY KEY,
origin		  TEXT NOT NULL UNIQUE,
mname		  TEXT NOT NULL DEFAULT '',
rname		  TEXT NOT NULL DEFAULT '',
serial		  INTEGER NOT NULL DEFAULT 1,
refresh		  INTEGER NOT NULL DEFAULT 10800,
retry		  INTEGER NOT NULL DEFAULT 3600,
expire		  INTEGER NOT NULL DEFAULT 604800,
minimum		  INTEGER NOT NULL DEFAULT 3600,
update_acl	  TEXT,
xfer		  TEXT,
enabled		  INTEGER NOT NULL DEFAULT 1
)`,

	"records": `CREATE TABLE IF NOT EXISTS 'records' (
id		  INTEGER PRIMARY KEY,
zone_id		  INTEGER NOT NULL REFERENCES zones(id),
name		  TEXT NOT NULL,
type		  TEXT NOT NULL,
ttl		  INTEGER NOT NULL DEFAULT 3600,
data		  TEXT NOT NULL
)`,

	"tsig_keys": `CREATE TABLE IF NOT EXISTS 'tsig_keys' (
id		  INTEGER PRIMARY KEY,
name		  TEXT NOT NULL UNIQUE,
algorithm	  TEXT NOT NULL,
secret		  TEXT NOT NULL,
enabled		  INTEGER NOT NULL DEFAULT 1
)`,

	// The modern rule table. zone_id NULL makes a rule global. Lower
	// priority is evaluated first; the first enabled matching rule wins.
	"access_rules": `CREATE TABLE IF NOT EXISTS 'access_rules' (
id		  INTEGER PRIMARY KEY,
zone_id		  INTEGER REFERENCES zones(id),
rule_type	  TEXT NOT NULL,
match_type	  TEXT NOT NULL DEFAULT 'any',
value		  TEXT NOT NULL DEFAULT '',
key_name	  TEXT NOT NULL DEFAULT '',
op_query	  INTEGER NOT NULL DEFAULT 0,
op_transfer	  INTEGER NOT NULL DEFAULT 0,
op_notify	  INTEGER NOT NULL DEFAULT 0,
op_update	  INTEGER NOT NULL DEFAULT 0,
op_doh		  INTEGER NOT NULL DEFAULT 0,
priority	  INTEGER NOT NULL DEFAULT 100,
enabled		  INTEGER NOT NULL DEFAULT 1
)`,

	// Append-only change journal. prev_serial chains the steps so the
	// IXFR path can detect pruned ranges without assuming consecutive
	// serial numbers.
	"change_journal": `CREATE TABLE IF NOT EXISTS 'change_journal' (
id		  INTEGER PRIMARY KEY,
zone_id		  INTEGER NOT NULL REFERENCES zones(id),
serial		  INTEGER NOT NULL,
prev_serial	  INTEGER NOT NULL,
seq		  INTEGER NOT NULL,
change_type	  TEXT NOT NULL,
name		  TEXT NOT NULL,
type		  TEXT NOT NULL,
ttl		  INTEGER NOT NULL DEFAULT 0,
data		  TEXT NOT NULL DEFAULT '',
changed_at	  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
UNIQUE (zone_id, serial, seq)
)`,

	"audit_log": `CREATE TABLE IF NOT EXISTS 'audit_log' (
id		  INTEGER PRIMARY KEY,
zone		  TEXT NOT NULL,
source		  TEXT NOT NULL,
key_name	  TEXT,
op		  TEXT NOT NULL,
target		  TEXT NOT NULL DEFAULT '',
success		  INTEGER NOT NULL,
rcode		  INTEGER NOT NULL,
serial		  INTEGER,
created_at	  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}
