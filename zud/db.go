/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ZoneDB owns the sqlite database holding zones, records, TSIG keys,
// access rules, the change journal and the audit log. All mutating
// access goes through Tx so that one request is one atomic unit.
type ZoneDB struct {
	DB       *sql.DB
	KeyCache cmap.ConcurrentMap[string, *TsigKey]
}

type Tx struct {
	*sql.Tx
	DB      *ZoneDB
	context string
}

func (tx *Tx) Commit() error {
	err := tx.Tx.Commit()
	if err != nil {
		log.Printf("<--- Error committing ZoneDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Rollback() error {
	err := tx.Tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		log.Printf("<--- Error rolling back ZoneDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	result, err := tx.Tx.Exec(query, args...)
	if err != nil {
		log.Printf("<--- Error executing ZoneDB Exec (%s): %v", tx.context, err)
	}
	return result, err
}

func (tx *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := tx.Tx.Query(query, args...)
	if err != nil {
		log.Printf("<--- Error executing ZoneDB query (%s): %v", tx.context, err)
	}
	return rows, err
}

func (tx *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRow(query, args...)
}

func (db *ZoneDB) Begin(context string) (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		log.Printf("Error beginning transaction (%s): %v", context, err)
		return nil, err
	}
	return &Tx{Tx: tx, DB: db, context: context}, nil
}

func (db *ZoneDB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.Query(query, args...)
}

func (db *ZoneDB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRow(query, args...)
}

func (db *ZoneDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.DB.Exec(query, args...)
}

func (db *ZoneDB) Close() error {
	return db.DB.Close()
}

func dbSetupTables(db *sql.DB) {
	if Globals.Verbose {
		log.Printf("Setting up missing tables\n")
	}

	for t, s := range DefaultTables {
		stmt, err := db.Prepare(s)
		if err != nil {
			log.Printf("dbSetupTables: Error from %s schema \"%s\": %v\n", t, s, err)
			continue
		}
		_, err = stmt.Exec()
		if err != nil {
			log.Fatalf("Failed to set up db schema: %s. Error: %v", s, err)
		}
	}
}

func NewZoneDB(dbfile string, force bool) (*ZoneDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("error: DB filename unspecified")
	}
	if Globals.Verbose {
		log.Printf("NewZoneDB: using sqlite db in file %s\n", dbfile)
	}
	if dbfile != ":memory:" {
		if _, err := os.Stat(dbfile); err == nil {
			if err := os.Chmod(dbfile, 0664); err != nil {
				return nil, fmt.Errorf("NewZoneDB: Error trying to ensure that db %s is writable: %v", dbfile, err)
			}
		}
	}
	// foreign_keys keeps journal and audit rows attached to real zones;
	// busy_timeout lets concurrent writers queue instead of failing.
	db, err := sql.Open("sqlite3", dbfile+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewZoneDB: Error from sql.Open: %v", err)
	}

	if force {
		for table := range DefaultTables {
			sqlcmd := "DROP TABLE IF EXISTS " + table
			_, err = db.Exec(sqlcmd)
			if err != nil {
				return nil, fmt.Errorf("NewZoneDB: Error when dropping table %s: %v", table, err)
			}
		}
	}
	dbSetupTables(db)
	return &ZoneDB{
		DB:       db,
		KeyCache: cmap.New[*TsigKey](),
	}, nil
}
