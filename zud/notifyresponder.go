/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"context"
	"log"
	"time"

	"github.com/miekg/dns"
)

// NotifyHandler is the engine that consumes the DnsNotifyQ channel. We
// serve zones from the database, not from upstream primaries, so a
// NOTIFY never triggers a refresh here; it is acknowledged and audited
// and nothing more.
func NotifyHandler(ctx context.Context, conf *Config, audit *AuditLogger) error {
	dnsnotifyq := conf.Internal.DnsNotifyQ

	log.Printf("*** DnsNotifyResponderEngine: starting")

	for {
		select {
		case <-ctx.Done():
			log.Println("DnsNotifyResponderEngine: context cancelled")
			return nil
		case dnr, ok := <-dnsnotifyq:
			if !ok {
				log.Println("DnsNotifyResponderEngine: dnsnotifyq closed")
				return nil
			}
			NotifyResponder(&dnr, audit)
		}
	}
}

func NotifyResponder(dnr *DnsNotifyRequest, audit *AuditLogger) error {
	qname := CanonicalName(dnr.Qname)
	ntype := dnr.Msg.Question[0].Qtype

	log.Printf("NotifyResponder: Received NOTIFY(%s) for zone %q from %s",
		dns.TypeToString[ntype], qname, dnr.ResponseWriter.RemoteAddr())

	ar := AuditRecord{
		Zone:      qname,
		Source:    dnr.ResponseWriter.RemoteAddr().String(),
		Op:        OpNotify,
		Target:    qname,
		Timestamp: time.Now(),
	}

	m := new(dns.Msg)

	zd, _ := FindZone(qname)
	if zd == nil || zd.ZoneName != qname {
		log.Printf("NotifyResponder: Received NOTIFY for unknown zone %q. Ignoring.", qname)
		m.SetRcode(dnr.Msg, dns.RcodeRefused)
		ar.Rcode = dns.RcodeRefused
		audit.Record(ar)
		return dnr.ResponseWriter.WriteMsg(m)
	}

	m.SetRcode(dnr.Msg, dns.RcodeSuccess)
	m.MsgHdr.Authoritative = true

	ar.Success = true
	ar.Rcode = dns.RcodeSuccess
	audit.Record(ar)

	return dnr.ResponseWriter.WriteMsg(m)
}
