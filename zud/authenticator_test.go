/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// The verifier is checked against messages signed by the dns library's
// own TSIG implementation, so the two ends of the protocol are
// different code.

func newTestAuthenticator(t *testing.T, now int64) (*Authenticator, *ZoneDB) {
	t.Helper()
	db := newTestDB(t)
	if err := db.AddTsigKey("testkey.example.com.", HmacSHA256, testSecret); err != nil {
		t.Fatalf("AddTsigKey: %v", err)
	}
	a := NewAuthenticator(db)
	a.Now = fixedClock(now)
	return a, db
}

func TestVerifyRequestValid(t *testing.T) {
	now := time.Now().Unix()
	a, _ := newTestAuthenticator(t, now)

	wire := signedUpdateWire(t, "testkey.example.com.", now)
	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}

	vr, key := a.VerifyRequest(pt)
	if vr != TsigValid {
		t.Fatalf("VerifyRequest: Got %s Want valid", VerifyResultToString[vr])
	}
	if key == nil || key.Name != "testkey.example.com." {
		t.Errorf("VerifyRequest returned wrong key: %+v", key)
	}
}

func TestVerifyRequestBadKey(t *testing.T) {
	now := time.Now().Unix()
	a, _ := newTestAuthenticator(t, now)

	wire := signedUpdateWire(t, "otherkey.example.com.", now)
	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}

	vr, _ := a.VerifyRequest(pt)
	if vr != TsigBadKey {
		t.Errorf("VerifyRequest with unknown key: Got %s Want badkey", VerifyResultToString[vr])
	}
}

func TestVerifyRequestBadSig(t *testing.T) {
	now := time.Now().Unix()
	a, _ := newTestAuthenticator(t, now)

	wire := signedUpdateWire(t, "testkey.example.com.", now)
	// Flip one character of the question name; the MAC no longer covers
	// what is on the wire.
	wire[13] ^= 0x01

	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}
	vr, key := a.VerifyRequest(pt)
	if vr != TsigBadSig {
		t.Errorf("VerifyRequest with tampered message: Got %s Want badsig", VerifyResultToString[vr])
	}
	if key == nil {
		t.Errorf("badsig verdict should still identify the key")
	}
}

func TestVerifyRequestBadTime(t *testing.T) {
	now := time.Now().Unix()
	a, _ := newTestAuthenticator(t, now)

	// Signed an hour ago, fudge 300: MAC is fine, window is not.
	wire := signedUpdateWire(t, "testkey.example.com.", now-3600)
	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}
	vr, key := a.VerifyRequest(pt)
	if vr != TsigBadTime {
		t.Errorf("VerifyRequest with stale signing time: Got %s Want badtime", VerifyResultToString[vr])
	}
	if key == nil {
		t.Errorf("badtime verdict should still identify the key")
	}
}

func TestVerifyRequestZeroFudge(t *testing.T) {
	now := time.Now().Unix()
	a, _ := newTestAuthenticator(t, now)

	// A fudge of 0 means the client accepts no clock skew at all. It
	// must not be widened to the server default.
	sign := func(timeSigned int64) *ParsedTsig {
		m := new(dns.Msg)
		m.SetUpdate("example.com.")
		rr, err := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
		if err != nil {
			t.Fatalf("NewRR: %v", err)
		}
		m.Insert([]dns.RR{rr})
		m.SetTsig("testkey.example.com.", dns.HmacSHA256, 0, timeSigned)
		wire, _, err := dns.TsigGenerate(m, testSecretB64(), "", false)
		if err != nil {
			t.Fatalf("TsigGenerate: %v", err)
		}
		pt, err := ExtractTsig(wire)
		if err != nil || pt == nil {
			t.Fatalf("ExtractTsig: %v", err)
		}
		return pt
	}

	if vr, _ := a.VerifyRequest(sign(now)); vr != TsigValid {
		t.Errorf("zero fudge at zero skew: Got %s Want valid", VerifyResultToString[vr])
	}
	if vr, _ := a.VerifyRequest(sign(now - 1)); vr != TsigBadTime {
		t.Errorf("zero fudge at one second skew: Got %s Want badtime", VerifyResultToString[vr])
	}
}

func TestVerifyRequestDisabledKey(t *testing.T) {
	now := time.Now().Unix()
	a, db := newTestAuthenticator(t, now)
	if err := db.DisableTsigKey("testkey.example.com."); err != nil {
		t.Fatalf("DisableTsigKey: %v", err)
	}

	wire := signedUpdateWire(t, "testkey.example.com.", now)
	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}
	vr, _ := a.VerifyRequest(pt)
	if vr != TsigBadKey {
		t.Errorf("VerifyRequest with disabled key: Got %s Want badkey", VerifyResultToString[vr])
	}
}

func TestSignResponseInteroperates(t *testing.T) {
	now := time.Now().Unix()
	a, db := newTestAuthenticator(t, now)

	wire := signedUpdateWire(t, "testkey.example.com.", now)
	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}
	if vr, _ := a.VerifyRequest(pt); vr != TsigValid {
		t.Fatalf("request did not verify")
	}
	key, err := db.GetTsigKey("testkey.example.com.")
	if err != nil || key == nil {
		t.Fatalf("GetTsigKey: %v", err)
	}

	req := new(dns.Msg)
	if err := req.Unpack(wire); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	resp := new(dns.Msg)
	resp.SetReply(req)
	packed, err := resp.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	signed, err := a.SignResponse(packed, key, pt, 0, nil)
	if err != nil {
		t.Fatalf("SignResponse: %v", err)
	}

	// The dns library must accept our response signature, chained on
	// the request MAC.
	if err := dns.TsigVerify(signed, testSecretB64(), hex.EncodeToString(pt.MAC), false); err != nil {
		t.Errorf("dns.TsigVerify rejected our response signature: %v", err)
	}
}

func TestAppendUnsignedTsig(t *testing.T) {
	now := time.Now().Unix()
	a, _ := newTestAuthenticator(t, now)

	wire := signedUpdateWire(t, "nosuchkey.example.com.", now)
	pt, err := ExtractTsig(wire)
	if err != nil || pt == nil {
		t.Fatalf("ExtractTsig: %v", err)
	}

	req := new(dns.Msg)
	if err := req.Unpack(wire); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNotAuth)
	packed, err := resp.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	out, err := a.AppendUnsignedTsig(packed, pt, dns.RcodeBadKey)
	if err != nil {
		t.Fatalf("AppendUnsignedTsig: %v", err)
	}

	var m dns.Msg
	if err := m.Unpack(out); err != nil {
		t.Fatalf("Unpack of unsigned-TSIG response: %v", err)
	}
	tsig := m.IsTsig()
	if tsig == nil {
		t.Fatalf("response carries no TSIG record")
	}
	if tsig.Error != dns.RcodeBadKey {
		t.Errorf("TSIG error field: Got %d Want %d", tsig.Error, dns.RcodeBadKey)
	}
	if tsig.MACSize != 0 {
		t.Errorf("unsigned TSIG should carry no MAC, got %d bytes", tsig.MACSize)
	}
	if tsig.Hdr.Name != "nosuchkey.example.com." {
		t.Errorf("TSIG key name: Got %q Want the request's key name", tsig.Hdr.Name)
	}
}

func TestServerTimeOther(t *testing.T) {
	a := &Authenticator{Now: fixedClock(0x010203040506)}
	other := a.ServerTimeOther()
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if len(other) != 6 {
		t.Fatalf("other-data length: Got %d Want 6", len(other))
	}
	for i := range want {
		if other[i] != want[i] {
			t.Errorf("other-data byte %d: Got %#x Want %#x", i, other[i], want[i])
		}
	}
}
