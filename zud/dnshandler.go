/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/spf13/viper"
)

// Allowed returned values from a MsgAcceptFunc.
const (
	MsgAccept               dns.MsgAcceptAction = iota // Accept the message
	MsgReject                                          // Reject the message with a RcodeFormatError
	MsgIgnore                                          // Ignore the error and send nothing back.
	MsgRejectNotImplemented                            // Reject the message with a RcodeNotImplemented
)

const (
	// Header.Bits
	_QR = 1 << 15 // query/response (response=1)
)

// MsgAcceptFunc is a tweaked version of the accept function in Miek's
// DNS library. The default one rejects UPDATE messages, whose sections
// can legitimately contain any number of RRs.
func MsgAcceptFunc(dh dns.Header) dns.MsgAcceptAction {
	if isResponse := dh.Bits&_QR != 0; isResponse {
		return MsgIgnore
	}

	opcode := int(dh.Bits>>11) & 0xF
	if opcode != dns.OpcodeQuery && opcode != dns.OpcodeNotify && opcode != dns.OpcodeUpdate {
		log.Printf("MsgAcceptFunc: NOTIMP: %d (%s)", opcode, dns.OpcodeToString[opcode])
		return MsgRejectNotImplemented
	}

	if dh.Qdcount != 1 {
		return MsgReject
	}
	// NOTIFY requests can have a SOA in the ANSWER section. See RFC 1996 Section 3.7 and 3.11.
	if dh.Ancount > 1 && opcode != dns.OpcodeUpdate {
		return MsgReject
	}
	// IXFR request could have one SOA RR in the NS section. See RFC 1995, section 3.
	if dh.Nscount > 1 && opcode != dns.OpcodeUpdate {
		return MsgReject
	}
	if dh.Arcount > 2 && opcode != dns.OpcodeUpdate {
		return MsgReject
	}
	return MsgAccept
}

// rawMsgs holds the wire bytes of inbound UPDATE messages, keyed by
// remote address and message ID, so the handler can retrieve the exact
// bytes the TSIG MAC was computed over. Entries are consumed by the
// handler; a message the accept function rejects never reaches the
// handler, so its entry is reaped by the sweep in stashRawUpdate
// instead of lingering forever.
var rawMsgs = cmap.New[rawMsgEntry]()

type rawMsgEntry struct {
	wire []byte
	seen time.Time
}

const (
	rawMsgMax = 1024
	rawMsgTTL = 3 * time.Second
)

func rawMsgKey(remote string, msg []byte) string {
	return fmt.Sprintf("%s/%d", remote, uint16(msg[0])<<8|uint16(msg[1]))
}

func stashRawUpdate(remote string, msg []byte) {
	if len(msg) < 12 {
		return
	}
	if opcode := int(msg[2]>>3) & 0xF; opcode != dns.OpcodeUpdate {
		return
	}
	if rawMsgs.Count() >= rawMsgMax {
		// Reap stale entries first; if a burst of never-consumed
		// messages is younger than the TTL, evict arbitrarily down to
		// the cap. In-flight updates are consumed within milliseconds,
		// so anything lingering here is already dead.
		cutoff := time.Now().Add(-rawMsgTTL)
		for item := range rawMsgs.IterBuffered() {
			if item.Val.seen.Before(cutoff) || rawMsgs.Count() >= rawMsgMax {
				rawMsgs.Remove(item.Key)
			}
		}
	}
	rawMsgs.Set(rawMsgKey(remote, msg), rawMsgEntry{
		wire: append([]byte(nil), msg...),
		seen: time.Now(),
	})
}

// rawCapturingReader wraps the server's reader and stashes the wire
// form of every UPDATE before the library unpacks it.
type rawCapturingReader struct {
	dns.Reader
}

func (r rawCapturingReader) ReadTCP(conn net.Conn, timeout time.Duration) ([]byte, error) {
	m, err := r.Reader.ReadTCP(conn, timeout)
	if err == nil {
		stashRawUpdate(conn.RemoteAddr().String(), m)
	}
	return m, err
}

func (r rawCapturingReader) ReadUDP(conn *net.UDPConn, timeout time.Duration) ([]byte, *dns.SessionUDP, error) {
	m, s, err := r.Reader.ReadUDP(conn, timeout)
	if err == nil && s != nil {
		stashRawUpdate(s.RemoteAddr().String(), m)
	}
	return m, s, err
}

// keystoreTsigProvider lets the dns.Server machinery verify and sign
// transfer messages with keys from the database keystore. UPDATE
// messages bypass this path entirely: their TSIG handling runs on the
// raw bytes in the update pipeline.
type keystoreTsigProvider struct {
	db *ZoneDB
}

func (p *keystoreTsigProvider) Generate(msg []byte, t *dns.TSIG) ([]byte, error) {
	key, err := p.db.GetTsigKey(t.Hdr.Name)
	if err != nil {
		return nil, err
	}
	if key == nil || key.Algorithm != CanonicalName(t.Algorithm) {
		return nil, dns.ErrKeyAlg
	}
	return computeHMAC(key.Algorithm, key.Secret, msg)
}

func (p *keystoreTsigProvider) Verify(msg []byte, t *dns.TSIG) error {
	computed, err := p.Generate(msg, t)
	if err != nil {
		return dns.ErrSecret
	}
	mac, err := hex.DecodeString(t.MAC)
	if err != nil {
		return err
	}
	if !hmac.Equal(computed, mac) {
		return dns.ErrSig
	}
	return nil
}

// DnsEngine starts the Do53 listeners (UDP and TCP on each configured
// address) and installs the dispatch handler.
func DnsEngine(ctx context.Context, conf *Config) error {
	handler := createDnsHandler(ctx, conf)
	dns.HandleFunc(".", handler)

	addresses := viper.GetStringSlice("dnsengine.addresses")
	if len(addresses) == 0 {
		addresses = conf.DnsEngine.Addresses
	}
	log.Printf("DnsEngine: UDP/TCP addresses: %v", addresses)
	for _, addr := range addresses {
		for _, transport := range []string{"udp", "tcp"} {
			go func(addr, transport string) {
				log.Printf("DnsEngine: serving on %s (%s)", addr, transport)
				server := &dns.Server{
					Addr:          addr,
					Net:           transport,
					MsgAcceptFunc: MsgAcceptFunc, // We need a tweaked version for DNS UPDATE
					TsigProvider:  &keystoreTsigProvider{db: conf.Internal.DB},
					DecorateReader: func(r dns.Reader) dns.Reader {
						return rawCapturingReader{r}
					},
				}

				// Must bump the buffer size of incoming UDP msgs, as updates
				// may be much larger then queries
				server.UDPSize = dns.DefaultMsgSize // 4096
				if err := server.ListenAndServe(); err != nil {
					log.Printf("Failed to setup the %s server: %s", transport, err.Error())
				}
			}(addr, transport)
		}
	}
	return nil
}

func createDnsHandler(ctx context.Context, conf *Config) func(w dns.ResponseWriter, r *dns.Msg) {
	dnsupdateq := conf.Internal.DnsUpdateQ
	dnsnotifyq := conf.Internal.DnsNotifyQ
	db := conf.Internal.DB
	xfr := conf.Internal.Xfr

	return func(w dns.ResponseWriter, r *dns.Msg) {
		qname := r.Question[0].Name

		switch r.Opcode {
		case dns.OpcodeNotify:
			if Globals.Debug {
				log.Printf("DnsHandler: qname: %s opcode: %s. len(dnsnotifyq): %d",
					qname, dns.OpcodeToString[r.Opcode], len(dnsnotifyq))
			}
			dnsnotifyq <- DnsNotifyRequest{ResponseWriter: w, Msg: r, Qname: qname}
			// Not waiting for a result
			return

		case dns.OpcodeUpdate:
			entry, _ := rawMsgs.Pop(rawMsgKey(w.RemoteAddr().String(), mustHeaderBytes(r.Id)))
			if Globals.Debug {
				log.Printf("DnsHandler: qname: %s opcode: %s. len(dnsupdateq): %d",
					qname, dns.OpcodeToString[r.Opcode], len(dnsupdateq))
			}
			dnsupdateq <- DnsUpdateRequest{
				ResponseWriter: w,
				Msg:            r,
				Raw:            entry.wire,
				Qname:          qname,
				Status:         &UpdateStatus{},
			}
			// Not waiting for a result
			return

		case dns.OpcodeQuery:
			qtype := r.Question[0].Qtype

			switch qtype {
			case dns.TypeAXFR, dns.TypeIXFR:
				serveXfrQuery(ctx, xfr, w, r)
				return

			case dns.TypeSOA:
				serveSoaQuery(db, w, r)
				return
			}

			// This server only answers for the mutation and transfer
			// surface; everything else belongs to the resolution path.
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeRefused)
			w.WriteMsg(m)

		default:
			log.Printf("DnsHandler: unable to handle msgs of type %s", dns.OpcodeToString[r.Opcode])
		}
	}
}

// mustHeaderBytes fakes the two leading wire bytes for rawMsgKey when
// all we have is the parsed message ID.
func mustHeaderBytes(id uint16) []byte {
	return []byte{byte(id >> 8), byte(id)}
}

func serveXfrQuery(ctx context.Context, xfr *XfrResponder, w dns.ResponseWriter, r *dns.Msg) {
	qtype := r.Question[0].Qtype

	if w.RemoteAddr().Network() == "udp" {
		if qtype == dns.TypeAXFR {
			// AXFR requires a TCP connection.
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeRefused)
			w.WriteMsg(m)
			return
		}
		// IXFR over UDP: answer with just our SOA, prompting the
		// client to retry over TCP for the real diff.
		zr, err := xfr.DB.GetZone(r.Question[0].Name)
		if err != nil || zr == nil || !zr.Enabled {
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNotAuth)
			w.WriteMsg(m)
			return
		}
		m := new(dns.Msg)
		m.SetReply(r)
		m.MsgHdr.Authoritative = true
		m.Answer = append(m.Answer, zr.SOA.RR(zr.SOA.Origin))
		w.WriteMsg(m)
		return
	}

	// Serve the transfer inline: the envelope stream owns the TCP
	// connection until it is done.
	if err := xfr.ServeTransfer(ctx, w, r); err != nil {
		log.Printf("serveXfrQuery: %v", err)
	}
}

func serveSoaQuery(db *ZoneDB, w dns.ResponseWriter, r *dns.Msg) {
	qname := CanonicalName(r.Question[0].Name)

	m := new(dns.Msg)
	zr, err := db.GetZone(qname)
	if err != nil || zr == nil || !zr.Enabled {
		m.SetRcode(r, dns.RcodeNotAuth)
		w.WriteMsg(m)
		return
	}
	m.SetReply(r)
	m.MsgHdr.Authoritative = true
	m.Answer = append(m.Answer, zr.SOA.RR(zr.SOA.Origin))
	w.WriteMsg(m)
}
