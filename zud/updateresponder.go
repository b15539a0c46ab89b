/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"log"
	"time"

	"github.com/miekg/dns"
)

// UpdatePipeline holds the stages an inbound UPDATE passes through:
// authenticate, authorize, apply, audit. The stages are strictly
// ordered and each failure short-circuits to a response; the audit
// record is written whatever the outcome.
type UpdatePipeline struct {
	DB            *ZoneDB
	Authn         *Authenticator
	Authz         AuthzSource
	Proc          *Processor
	Audit         *AuditLogger
	RequireSigned bool
}

func NewUpdatePipeline(db *ZoneDB, authz AuthzSource, audit *AuditLogger, requireSigned bool) *UpdatePipeline {
	return &UpdatePipeline{
		DB:            db,
		Authn:         NewAuthenticator(db),
		Authz:         authz,
		Proc:          NewProcessor(db),
		Audit:         audit,
		RequireSigned: requireSigned,
	}
}

// UpdateHandler is the engine that consumes the DnsUpdateQ channel.
func (up *UpdatePipeline) UpdateHandler(conf *Config) error {
	dnsupdateq := conf.Internal.DnsUpdateQ

	log.Printf("*** DnsUpdateResponderEngine: starting")

	for dur := range dnsupdateq {
		up.UpdateResponder(&dur)
	}

	log.Println("DnsUpdateResponderEngine: terminating")
	return nil
}

func (dur *DnsUpdateRequest) Log(fmt string, v ...any) {
	log.Printf(fmt, v...)
}

// UpdateResponder runs one UPDATE through the pipeline and writes the
// response. All TSIG work happens on dur.Raw, the original wire bytes;
// the parsed dur.Msg is only trusted after verification succeeds.
func (up *UpdatePipeline) UpdateResponder(dur *DnsUpdateRequest) error {
	w := dur.ResponseWriter
	r := dur.Msg
	zone := CanonicalName(dur.Qname)

	us := dur.Status
	us.Zone = zone
	us.Source = addrToIP(w.RemoteAddr())

	dur.Log("UpdateResponder: zone %s: %d prereqs, %d updates from %s",
		zone, len(r.Answer), len(r.Ns), w.RemoteAddr())

	// Stage 1: authenticate. The TSIG is located and verified on the
	// raw message; a repacked message would not produce the same MAC.
	pt, err := ExtractTsig(dur.Raw)
	if err != nil {
		dur.Log("UpdateResponder: zone %s: malformed request from %s: %v", zone, w.RemoteAddr(), err)
		return up.replyPlain(w, r, dns.RcodeFormatError)
	}
	us.Signed = pt != nil
	if pt != nil {
		us.KeyName = pt.KeyName
	}

	vr, key := up.Authn.VerifyRequest(pt)
	us.TsigResult = vr

	switch vr {
	case TsigBadKey, TsigBadSig:
		dur.Log("UpdateResponder: zone %s: TSIG %s for key %s from %s",
			zone, VerifyResultToString[vr], us.KeyName, w.RemoteAddr())
		us.Rcode = dns.RcodeNotAuth
		up.audit(us, zone)
		return up.replyTsigError(w, r, pt, nil, TsigErrorCode(vr), nil)
	case TsigBadTime:
		dur.Log("UpdateResponder: zone %s: TSIG time outside fudge for key %s from %s",
			zone, us.KeyName, w.RemoteAddr())
		us.Rcode = dns.RcodeNotAuth
		up.audit(us, zone)
		return up.replyTsigError(w, r, pt, key, dns.RcodeBadTime, up.Authn.ServerTimeOther())
	}

	zd, _ := FindZone(zone)
	if zd == nil || zd.ZoneName != zone {
		// The zone section must name a zone apex we are authoritative
		// for, not just any name below one.
		dur.Log("UpdateResponder: not authoritative for zone %s", zone)
		us.Rcode = dns.RcodeNotAuth
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeNotAuth, vr, key, pt)
	}

	if zd.Options["frozen"] {
		dur.Log("UpdateResponder: zone %s is frozen, refusing update", zone)
		us.Rcode = dns.RcodeRefused
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeRefused, vr, key, pt)
	}

	if up.RequireSigned && vr != TsigValid {
		dur.Log("UpdateResponder: zone %s: unsigned update from %s refused", zone, w.RemoteAddr())
		us.Rcode = dns.RcodeRefused
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeRefused, vr, key, pt)
	}

	// Stage 2: authorize. The key name only reaches the decision if
	// the signature actually verified.
	var keyName string
	if vr == TsigValid {
		keyName = key.Name
	}
	zr, err := up.DB.GetZone(zone)
	if err != nil || zr == nil {
		us.Rcode = dns.RcodeServerFailure
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeServerFailure, vr, key, pt)
	}
	ok, reason := up.Authz.Decide(&AuthzRequest{
		Zone:    zone,
		ZoneID:  zr.ID,
		Op:      OpUpdate,
		Source:  us.Source,
		KeyName: keyName,
	})
	us.Approved = ok
	if !ok {
		dur.Log("UpdateResponder: zone %s: update from %s (key %q) denied: %s",
			zone, w.RemoteAddr(), keyName, reason)
		us.Rcode = dns.RcodeRefused
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeRefused, vr, key, pt)
	}

	// Stage 3: parse and apply.
	prereqs, err := ParsePrereqs(r, zone)
	if err != nil {
		dur.Log("UpdateResponder: zone %s: bad prerequisite section: %v", zone, err)
		us.Rcode = dns.RcodeFormatError
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeFormatError, vr, key, pt)
	}
	muts, err := ParseMutations(r, zone)
	if err != nil {
		dur.Log("UpdateResponder: zone %s: bad update section: %v", zone, err)
		us.Rcode = dns.RcodeFormatError
		up.audit(us, zone)
		return up.replySigned(w, r, dns.RcodeFormatError, vr, key, pt)
	}

	rcode := up.Proc.Apply(zd, prereqs, muts, us)
	us.Rcode = rcode

	// Stage 4: audit, then answer.
	up.audit(us, updateTarget(zone, muts))

	if rcode == dns.RcodeSuccess {
		zd.Logger.Printf("UpdateResponder: zone %s: %d changes committed, serial %d -> %d (key %q)",
			zone, us.NumChanges, us.OldSerial, us.NewSerial, keyName)
	}

	return up.replySigned(w, r, rcode, vr, key, pt)
}

// updateTarget picks the audit target: the owner name of the first
// mutation, or the zone itself for a prereq-only update.
func updateTarget(zone string, muts []Mutation) string {
	if len(muts) > 0 {
		return muts[0].Name
	}
	return zone
}

func (up *UpdatePipeline) audit(us *UpdateStatus, target string) {
	up.Audit.Record(AuditRecord{
		Zone:      us.Zone,
		Source:    us.Source.String(),
		KeyName:   us.KeyName,
		Op:        OpUpdate,
		Target:    target,
		Success:   us.Rcode == dns.RcodeSuccess,
		Rcode:     us.Rcode,
		Serial:    us.NewSerial,
		Timestamp: time.Now(),
	})
}

func (up *UpdatePipeline) replyPlain(w dns.ResponseWriter, r *dns.Msg, rcode int) error {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	return w.WriteMsg(m)
}

// replySigned answers with rcode, signing the response when the
// request carried a valid TSIG. A signed request gets a signed answer,
// an unsigned request a bare one.
func (up *UpdatePipeline) replySigned(w dns.ResponseWriter, r *dns.Msg, rcode int, vr VerifyResult, key *TsigKey, pt *ParsedTsig) error {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)

	if vr != TsigValid || key == nil {
		return w.WriteMsg(m)
	}

	packed, err := m.Pack()
	if err != nil {
		return err
	}
	signed, err := up.Authn.SignResponse(packed, key, pt, 0, nil)
	if err != nil {
		log.Printf("replySigned: failed to sign response: %v", err)
		return w.WriteMsg(m)
	}
	_, err = w.Write(signed)
	return err
}

// replyTsigError answers NOTAUTH with a TSIG error record. BADTIME
// responses are signed (carrying the server time in other-data) so the
// client can resynchronize; BADKEY and BADSIG responses cannot be
// signed since no shared context exists.
func (up *UpdatePipeline) replyTsigError(w dns.ResponseWriter, r *dns.Msg, pt *ParsedTsig, key *TsigKey, tsigError uint16, other []byte) error {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeNotAuth)

	packed, err := m.Pack()
	if err != nil {
		return err
	}

	var out []byte
	if key != nil {
		out, err = up.Authn.SignResponse(packed, key, pt, tsigError, other)
	} else {
		out, err = up.Authn.AppendUnsignedTsig(packed, pt, tsigError)
	}
	if err != nil {
		log.Printf("replyTsigError: %v", err)
		return w.WriteMsg(m)
	}
	_, err = w.Write(out)
	return err
}
