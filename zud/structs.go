/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type OpClass uint8

const (
	OpQuery OpClass = iota + 1
	OpTransfer
	OpNotify
	OpUpdate
	OpDoh
)

var OpClassToString = map[OpClass]string{
	OpQuery:    "query",
	OpTransfer: "transfer",
	OpNotify:   "notify",
	OpUpdate:   "update",
	OpDoh:      "doh",
}

// ZoneData is the in-memory registry entry for a zone we are
// authoritative for. All record data lives in the ZoneDB; this struct
// only carries identity, per-zone options and the writer lock. The
// mutex serializes the prereq-check-through-commit window so that two
// updates to the same zone cannot interleave.
type ZoneData struct {
	mu       sync.Mutex
	ZoneName string
	ZoneID   int64
	Logger   *log.Logger
	Options  map[string]bool // "frozen", "allow-updates", ...
}

func (zd *ZoneData) Lock()   { zd.mu.Lock() }
func (zd *ZoneData) Unlock() { zd.mu.Unlock() }

// SOA carries the zone apex data as stored in the zones table.
type SOA struct {
	Origin  string
	Mname   string
	Rname   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

func (s *SOA) RR(zone string) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(zone),
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    s.Minimum,
		},
		Ns:      dns.Fqdn(s.Mname),
		Mbox:    dns.Fqdn(s.Rname),
		Serial:  s.Serial,
		Refresh: s.Refresh,
		Retry:   s.Retry,
		Expire:  s.Expire,
		Minttl:  s.Minimum,
	}
}

// TsigKey is the immutable key handle returned by the keystore. The
// secret is the decoded key material; it must never end up in a log
// line or a response.
type TsigKey struct {
	Name      string
	Algorithm string // fqdn form, e.g. "hmac-sha256."
	Secret    []byte
}

type RuleType uint8

const (
	RuleAllow RuleType = iota + 1
	RuleDeny
)

// AccessRule is one row of the modern rule table. ZoneID == 0 means
// the rule is global. A rule with KeyName == "" matches regardless of
// which key (if any) signed the request.
type AccessRule struct {
	ID        int64
	ZoneID    int64
	Type      RuleType
	MatchType string // "any" | "ip" | "net" | "country" | "asn"
	Value     string
	KeyName   string
	Ops       map[OpClass]bool
	Priority  int
	Enabled   bool
}

type ChangeType uint8

const (
	ChangeAdd ChangeType = iota + 1
	ChangeDelete
)

var ChangeTypeToString = map[ChangeType]string{
	ChangeAdd:    "add",
	ChangeDelete: "del",
}

var StringToChangeType = map[string]ChangeType{
	"add": ChangeAdd,
	"del": ChangeDelete,
}

// JournalEntry is one net-effective record mutation, written in the
// same storage transaction as the serial advance it belongs to.
type JournalEntry struct {
	ZoneID     int64
	Serial     uint32 // serial after the commit this entry belongs to
	PrevSerial uint32 // serial before the commit
	Seq        int
	Change     ChangeType
	Name       string
	Rtype      string
	TTL        uint32
	Data       string
}

func (je *JournalEntry) RR() (dns.RR, error) {
	return RecordToRR(je.Name, je.TTL, je.Rtype, je.Data)
}

// AuditRecord is the append-only outcome row for one authenticated
// operation, written after the outcome is final.
type AuditRecord struct {
	Zone      string
	Source    string
	KeyName   string // empty for unsigned requests
	Op        OpClass
	Target    string
	Success   bool
	Rcode     int
	Serial    uint32 // zero when the operation did not commit
	Timestamp time.Time
}

// UpdateStatus accumulates the outcome of one update request on its
// way through the pipeline. It only exists for the request lifetime;
// nothing of it survives beyond the journal entries and audit record.
type UpdateStatus struct {
	Zone       string
	Source     net.IP
	KeyName    string
	Signed     bool
	TsigResult VerifyResult
	Approved   bool
	Rcode      int
	OldSerial  uint32
	NewSerial  uint32
	NumChanges int
	ErrMsg     string
}

func (us *UpdateStatus) Log(format string, v ...any) {
	log.Printf(format, v...)
}

// Requests passed over the internal engine queues.

type DnsUpdateRequest struct {
	ResponseWriter dns.ResponseWriter
	Msg            *dns.Msg
	Raw            []byte // original wire bytes, needed for TSIG verification
	Qname          string
	Status         *UpdateStatus
}

type DnsNotifyRequest struct {
	ResponseWriter dns.ResponseWriter
	Msg            *dns.Msg
	Qname          string
}
