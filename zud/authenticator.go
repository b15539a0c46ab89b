/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/miekg/dns"
)

type VerifyResult uint8

const (
	TsigNone VerifyResult = iota // request carried no TSIG
	TsigValid
	TsigBadKey
	TsigBadSig
	TsigBadTime
)

var VerifyResultToString = map[VerifyResult]string{
	TsigNone:    "none",
	TsigValid:   "valid",
	TsigBadKey:  "badkey",
	TsigBadSig:  "badsig",
	TsigBadTime: "badtime",
}

const DefaultFudge = 300 // seconds

// Authenticator verifies TSIG-signed requests against the keystore and
// signs outgoing responses. It holds no mutable state of its own; the
// clock is injectable so the time-window behavior is testable.
type Authenticator struct {
	DB    *ZoneDB
	Fudge uint16
	Now   func() time.Time
}

func NewAuthenticator(db *ZoneDB) *Authenticator {
	return &Authenticator{DB: db, Fudge: DefaultFudge, Now: time.Now}
}

func hmacHasher(algorithm string) func() hash.Hash {
	switch algorithm {
	case HmacMD5:
		return md5.New
	case HmacSHA1:
		return sha1.New
	case HmacSHA256:
		return sha256.New
	case HmacSHA384:
		return sha512.New384
	case HmacSHA512:
		return sha512.New
	}
	return nil
}

func computeHMAC(algorithm string, secret, payload []byte) ([]byte, error) {
	hh := hmacHasher(algorithm)
	if hh == nil {
		return nil, fmt.Errorf("unsupported TSIG algorithm %s", algorithm)
	}
	mac := hmac.New(hh, secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// VerifyRequest checks the extracted TSIG record of a request against
// the keystore and the time window. The MAC check runs before the time
// check: a message that fails the MAC must never influence how we
// report time, and a BadTime verdict is only meaningful for a message
// that actually proved key possession.
func (a *Authenticator) VerifyRequest(pt *ParsedTsig) (VerifyResult, *TsigKey) {
	if pt == nil {
		return TsigNone, nil
	}

	key, err := a.DB.GetTsigKey(pt.KeyName)
	if err != nil || key == nil {
		return TsigBadKey, nil
	}
	if key.Algorithm != pt.Algorithm {
		return TsigBadKey, nil
	}

	payload, err := requestDigest(pt)
	if err != nil {
		return TsigBadSig, key
	}
	computed, err := computeHMAC(key.Algorithm, key.Secret, payload)
	if err != nil {
		return TsigBadKey, nil
	}
	if !hmac.Equal(computed, pt.MAC) {
		return TsigBadSig, key
	}

	now := uint64(a.Now().Unix())
	var skew uint64
	if now > pt.TimeSigned {
		skew = now - pt.TimeSigned
	} else {
		skew = pt.TimeSigned - now
	}
	// The client's fudge is honored as-is: an explicit 0 means the
	// client wants no replay window at all, not our default.
	if skew > uint64(pt.Fudge) {
		return TsigBadTime, key
	}
	return TsigValid, key
}

// SignResponse signs a packed response with key, using the request MAC
// as chaining context, and returns the response bytes with the TSIG
// record appended. tsigError and other end up in the corresponding
// TSIG fields (other carries the server time on a BadTime response).
func (a *Authenticator) SignResponse(response []byte, key *TsigKey, reqTsig *ParsedTsig, tsigError uint16, other []byte) ([]byte, error) {
	now := uint64(a.Now().Unix())
	fudge := a.Fudge

	payload, err := responseDigest(reqTsig.MAC, response, key.Name, key.Algorithm, now, fudge, tsigError, other)
	if err != nil {
		return nil, err
	}
	mac, err := computeHMAC(key.Algorithm, key.Secret, payload)
	if err != nil {
		return nil, err
	}

	tsig := &dns.TSIG{
		Hdr: dns.RR_Header{
			Name:   key.Name,
			Rrtype: dns.TypeTSIG,
			Class:  dns.ClassANY,
			Ttl:    0,
		},
		Algorithm:  key.Algorithm,
		TimeSigned: now,
		Fudge:      fudge,
		MACSize:    uint16(len(mac)),
		MAC:        hex.EncodeToString(mac),
		OrigId:     binary.BigEndian.Uint16(response[0:2]),
		Error:      tsigError,
		OtherLen:   uint16(len(other)),
		OtherData:  hex.EncodeToString(other),
	}
	return AppendTsig(response, tsig)
}

// AppendUnsignedTsig appends a MAC-less TSIG error record, the framing
// used when we cannot sign: the key was unknown or the MAC did not
// verify, so there is no shared context to sign with.
func (a *Authenticator) AppendUnsignedTsig(response []byte, reqTsig *ParsedTsig, tsigError uint16) ([]byte, error) {
	tsig := &dns.TSIG{
		Hdr: dns.RR_Header{
			Name:   reqTsig.KeyName,
			Rrtype: dns.TypeTSIG,
			Class:  dns.ClassANY,
			Ttl:    0,
		},
		Algorithm:  reqTsig.Algorithm,
		TimeSigned: uint64(a.Now().Unix()),
		Fudge:      a.Fudge,
		OrigId:     binary.BigEndian.Uint16(response[0:2]),
		Error:      tsigError,
	}
	return AppendTsig(response, tsig)
}

// ServerTimeOther encodes the server's current time as TSIG
// other-data, sent on BadTime responses so clients can resynchronize.
func (a *Authenticator) ServerTimeOther() []byte {
	now := uint64(a.Now().Unix())
	return []byte{
		byte(now >> 40), byte(now >> 32), byte(now >> 24),
		byte(now >> 16), byte(now >> 8), byte(now),
	}
}

// TsigErrorCode maps a verification result to the TSIG-level error
// field value carried in the response's TSIG record.
func TsigErrorCode(vr VerifyResult) uint16 {
	switch vr {
	case TsigBadKey:
		return dns.RcodeBadKey
	case TsigBadSig:
		return dns.RcodeBadSig
	case TsigBadTime:
		return dns.RcodeBadTime
	}
	return 0
}
