/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"
)

// XfrResponder serves outbound AXFR and IXFR. IXFR is generated from
// the change journal; when the journal cannot bridge the client's
// serial the responder silently falls back to AXFR form, which is the
// response shape RFC 1995 prescribes for that case.
type XfrResponder struct {
	DB            *ZoneDB
	Authz         AuthzSource
	Audit         *AuditLogger
	RequireSigned bool
	EnvelopeSize  int // RRs per envelope, 0 means the default of 500
}

func NewXfrResponder(db *ZoneDB, authz AuthzSource, audit *AuditLogger, requireSigned bool) *XfrResponder {
	return &XfrResponder{
		DB:            db,
		Authz:         authz,
		Audit:         audit,
		RequireSigned: requireSigned,
	}
}

// xfrRecords sorts a record set into canonical zone order (labels
// compared right to left) so a full transfer always goes out in a
// stable, comparable order regardless of insertion history.
type xfrRecords struct {
	recs []StoredRecord
	keys []string
}

func canonicalOrderKey(name string) string {
	labels := dns.SplitDomainName(CanonicalName(name))
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, "\x01")
}

func newXfrRecords(recs []StoredRecord) *xfrRecords {
	x := &xfrRecords{recs: recs, keys: make([]string, len(recs))}
	for i := range recs {
		// The type separator sorts before the label separator, so a
		// name's own rrsets come out before its children's.
		x.keys[i] = canonicalOrderKey(recs[i].Name) + "\x00" + recs[i].Rtype
	}
	return x
}

func (x *xfrRecords) Len() int           { return len(x.recs) }
func (x *xfrRecords) Less(i, j int) bool { return x.keys[i] < x.keys[j] }
func (x *xfrRecords) Swap(i, j int) {
	x.recs[i], x.recs[j] = x.recs[j], x.recs[i]
	x.keys[i], x.keys[j] = x.keys[j], x.keys[i]
}
func (x *xfrRecords) Key(i int) string { return x.keys[i] }

// ServeTransfer handles one inbound AXFR or IXFR query. TSIG on the
// query has already been verified by the transport layer; here we only
// consult its outcome and the transfer ACL.
func (xr *XfrResponder) ServeTransfer(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) error {
	qname := CanonicalName(r.Question[0].Name)
	qtype := r.Question[0].Qtype

	zd, known := Zones.Get(qname)
	if !known {
		return xr.refuse(w, r, dns.RcodeNotAuth)
	}

	tsig := r.IsTsig()
	signed := tsig != nil && w.TsigStatus() == nil
	var keyName string
	if signed {
		keyName = CanonicalName(tsig.Hdr.Name)
	}

	ar := AuditRecord{
		Zone:      qname,
		Source:    w.RemoteAddr().String(),
		KeyName:   keyName,
		Op:        OpTransfer,
		Target:    qname,
		Timestamp: time.Now(),
	}

	if tsig != nil && !signed {
		// Bad signature on a transfer request: the transport already
		// reported the TSIG error; a failed authentication answers
		// NOTAUTH here just as it does on the update path.
		ar.Rcode = dns.RcodeNotAuth
		xr.Audit.Record(ar)
		return xr.refuse(w, r, dns.RcodeNotAuth)
	}

	if xr.RequireSigned && !signed {
		zd.Logger.Printf("ServeTransfer: zone %s: unsigned transfer request from %s refused",
			qname, w.RemoteAddr())
		ar.Rcode = dns.RcodeRefused
		xr.Audit.Record(ar)
		return xr.refuse(w, r, dns.RcodeRefused)
	}

	zr, err := xr.DB.GetZone(qname)
	if err != nil {
		ar.Rcode = dns.RcodeServerFailure
		xr.Audit.Record(ar)
		return xr.refuse(w, r, dns.RcodeServerFailure)
	}
	if zr == nil || !zr.Enabled {
		ar.Rcode = dns.RcodeNotAuth
		xr.Audit.Record(ar)
		return xr.refuse(w, r, dns.RcodeNotAuth)
	}

	ok, reason := xr.Authz.Decide(&AuthzRequest{
		Zone:    qname,
		ZoneID:  zr.ID,
		Op:      OpTransfer,
		Source:  addrToIP(w.RemoteAddr()),
		KeyName: keyName,
	})
	if !ok {
		zd.Logger.Printf("ServeTransfer: zone %s: transfer from %s denied: %s",
			qname, w.RemoteAddr(), reason)
		ar.Rcode = dns.RcodeRefused
		xr.Audit.Record(ar)
		return xr.refuse(w, r, dns.RcodeRefused)
	}

	var sent int
	switch qtype {
	case dns.TypeIXFR:
		sent, err = xr.serveIxfr(ctx, zd, zr, w, r)
	default:
		sent, err = xr.serveAxfr(ctx, zd, zr, w, r)
	}
	if err != nil {
		zd.Logger.Printf("ServeTransfer: zone %s: %v", qname, err)
		ar.Rcode = dns.RcodeServerFailure
		xr.Audit.Record(ar)
		return err
	}

	zd.Logger.Printf("ServeTransfer: zone %s: sent %d RRs to %s (key %q)",
		qname, sent, w.RemoteAddr(), keyName)
	ar.Success = true
	ar.Rcode = dns.RcodeSuccess
	ar.Serial = zr.SOA.Serial
	xr.Audit.Record(ar)
	return nil
}

// clientSerial extracts the serial the IXFR client claims to hold from
// the SOA it is required to put in the authority section.
func clientSerial(r *dns.Msg) (uint32, bool) {
	for _, rr := range r.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, true
		}
	}
	return 0, false
}

func (xr *XfrResponder) serveIxfr(ctx context.Context, zd *ZoneData, zr *ZoneRow, w dns.ResponseWriter, r *dns.Msg) (int, error) {
	from, ok := clientSerial(r)
	if !ok {
		// Malformed IXFR query. Treat as AXFR, same as a gap.
		return xr.serveAxfr(ctx, zd, zr, w, r)
	}

	if !SerialGt(zr.SOA.Serial, from) {
		// Client is current (or ahead): answer with our SOA alone.
		m := new(dns.Msg)
		m.SetReply(r)
		m.MsgHdr.Authoritative = true
		m.Answer = append(m.Answer, zr.SOA.RR(zr.SOA.Origin))
		xr.setReplyTsig(m, w, r)
		return 1, w.WriteMsg(m)
	}

	steps, err := xr.DB.JournalDiff(zr.ID, from, zr.SOA.Serial)
	if err == ErrJournalGap {
		zd.Logger.Printf("serveIxfr: zone %s: no journal path %d -> %d, falling back to AXFR",
			zd.ZoneName, from, zr.SOA.Serial)
		return xr.serveAxfr(ctx, zd, zr, w, r)
	}
	if err != nil {
		return 0, err
	}

	currentSoa := zr.SOA.RR(zr.SOA.Origin)
	rrs := []dns.RR{currentSoa}
	for _, step := range steps {
		var dels, adds []dns.RR
		for i := range step.Entries {
			rr, err := step.Entries[i].RR()
			if err != nil {
				return 0, err
			}
			if step.Entries[i].Change == ChangeDelete {
				dels = append(dels, rr)
			} else {
				adds = append(adds, rr)
			}
		}
		rrs = append(rrs, soaWithSerial(&zr.SOA, step.FromSerial))
		rrs = append(rrs, dels...)
		rrs = append(rrs, soaWithSerial(&zr.SOA, step.ToSerial))
		rrs = append(rrs, adds...)
	}
	rrs = append(rrs, currentSoa)

	return xr.sendEnvelopes(ctx, zd, w, r, rrs)
}

func (xr *XfrResponder) serveAxfr(ctx context.Context, zd *ZoneData, zr *ZoneRow, w dns.ResponseWriter, r *dns.Msg) (int, error) {
	// One read transaction gives a consistent snapshot of serial and
	// records even while updates keep landing.
	tx, err := xr.DB.Begin("axfr " + zd.ZoneName)
	if err != nil {
		return 0, err
	}
	snap, err := tx.GetZone(zd.ZoneName)
	if err != nil || snap == nil {
		tx.Rollback()
		return 0, err
	}
	recs, err := tx.ReadAllRecords(snap.ID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	tx.Commit()

	x := newXfrRecords(recs)
	sorts.ByString(x)

	soa := snap.SOA.RR(snap.SOA.Origin)
	rrs := make([]dns.RR, 0, len(recs)+2)
	rrs = append(rrs, soa)
	for i := range x.recs {
		rr, err := x.recs[i].RR()
		if err != nil {
			zd.Logger.Printf("serveAxfr: zone %s: skipping unparsable record %s %s: %v",
				zd.ZoneName, x.recs[i].Name, x.recs[i].Rtype, err)
			continue
		}
		rrs = append(rrs, rr)
	}
	rrs = append(rrs, soa)

	return xr.sendEnvelopes(ctx, zd, w, r, rrs)
}

// sendEnvelopes streams the answer RRs through dns.Transfer in
// envelopes. The transport signs each envelope when the query carried
// a valid TSIG.
func (xr *XfrResponder) sendEnvelopes(ctx context.Context, zd *ZoneData, w dns.ResponseWriter, r *dns.Msg, rrs []dns.RR) (int, error) {
	size := xr.EnvelopeSize
	if size == 0 {
		size = 500
	}

	outbound := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		tr.Out(w, r, outbound)
		close(done)
		wg.Done()
	}()

	send := func(env *dns.Envelope) bool {
		select {
		case outbound <- env:
			return true
		case <-done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	sent := 0
	for len(rrs) > 0 {
		n := size
		if n > len(rrs) {
			n = len(rrs)
		}
		if !send(&dns.Envelope{RR: rrs[:n]}) {
			break
		}
		sent += n
		rrs = rrs[n:]
	}

	close(outbound)
	wg.Wait()
	w.Close()

	if err := ctx.Err(); err != nil {
		return sent, err
	}
	return sent, nil
}

func soaWithSerial(s *SOA, serial uint32) *dns.SOA {
	rr := s.RR(s.Origin)
	rr.Serial = serial
	return rr
}

func (xr *XfrResponder) refuse(w dns.ResponseWriter, r *dns.Msg, rcode int) error {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	xr.setReplyTsig(m, w, r)
	return w.WriteMsg(m)
}

// setReplyTsig arranges for the transport to sign the reply when the
// request was validly signed.
func (xr *XfrResponder) setReplyTsig(m *dns.Msg, w dns.ResponseWriter, r *dns.Msg) {
	if tsig := r.IsTsig(); tsig != nil && w.TsigStatus() == nil {
		m.SetTsig(tsig.Hdr.Name, tsig.Algorithm, tsig.Fudge, time.Now().Unix())
	}
}
