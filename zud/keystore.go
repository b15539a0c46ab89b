/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
)

// TSIG algorithm identifiers, fqdn form. The set mirrors what the rest
// of the ecosystem actually deploys.
const (
	HmacMD5    = "hmac-md5.sig-alg.reg.int."
	HmacSHA1   = "hmac-sha1."
	HmacSHA256 = "hmac-sha256."
	HmacSHA384 = "hmac-sha384."
	HmacSHA512 = "hmac-sha512."
)

var KnownTsigAlgorithms = map[string]bool{
	HmacMD5:    true,
	HmacSHA1:   true,
	HmacSHA256: true,
	HmacSHA384: true,
	HmacSHA512: true,
}

// GetTsigKey loads an enabled key by name, decoding its secret from
// the base64 storage encoding. The returned value is immutable and
// shared via the read cache; (nil, nil) means no such enabled key.
func (db *ZoneDB) GetTsigKey(name string) (*TsigKey, error) {
	name = CanonicalName(name)
	if key, ok := db.KeyCache.Get(name); ok {
		return key, nil
	}

	var algorithm, secret string
	err := db.QueryRow("SELECT algorithm, secret FROM tsig_keys WHERE name=? AND enabled=1", name).
		Scan(&algorithm, &secret)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore lookup for %s: %v", name, err)
	}

	algorithm = strings.ToLower(algorithm)
	if !strings.HasSuffix(algorithm, ".") {
		algorithm += "."
	}
	if !KnownTsigAlgorithms[algorithm] {
		log.Printf("GetTsigKey: key %s has unsupported algorithm %s", name, algorithm)
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		// A key with an undecodable secret can never verify anything.
		log.Printf("GetTsigKey: key %s has undecodable secret", name)
		return nil, nil
	}

	key := &TsigKey{Name: name, Algorithm: algorithm, Secret: raw}
	db.KeyCache.Set(name, key)
	return key, nil
}

// AddTsigKey inserts a key row. Used at provisioning time and by tests;
// the admin front ends that normally manage keys live elsewhere.
func (db *ZoneDB) AddTsigKey(name, algorithm string, secret []byte) error {
	_, err := db.Exec("INSERT OR REPLACE INTO tsig_keys (name, algorithm, secret, enabled) VALUES (?, ?, ?, 1)",
		CanonicalName(name), strings.ToLower(algorithm), base64.StdEncoding.EncodeToString(secret))
	if err != nil {
		return err
	}
	db.KeyCache.Remove(CanonicalName(name))
	return nil
}

// DisableTsigKey flips the enabled flag off and drops the cache entry.
func (db *ZoneDB) DisableTsigKey(name string) error {
	_, err := db.Exec("UPDATE tsig_keys SET enabled=0 WHERE name=?", CanonicalName(name))
	db.KeyCache.Remove(CanonicalName(name))
	return err
}
