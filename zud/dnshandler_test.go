/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"fmt"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func acceptAction(t *testing.T, m *dns.Msg) dns.MsgAcceptAction {
	t.Helper()
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	var h dns.Header
	h.Id = m.Id
	h.Bits = uint16(wire[2])<<8 | uint16(wire[3])
	h.Qdcount = uint16(len(m.Question))
	h.Ancount = uint16(len(m.Answer))
	h.Nscount = uint16(len(m.Ns))
	h.Arcount = uint16(len(m.Extra))
	return MsgAcceptFunc(h)
}

func TestMsgAcceptFuncAllowsUpdate(t *testing.T) {
	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	rr, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	m.Insert([]dns.RR{rr})
	if got := acceptAction(t, m); got != dns.MsgAccept {
		t.Errorf("UPDATE: Got %v Want accept", got)
	}
}

func TestMsgAcceptFuncRejectsResponses(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeSOA)
	m := new(dns.Msg)
	m.SetReply(q)
	if got := acceptAction(t, m); got != dns.MsgIgnore {
		t.Errorf("response message: Got %v Want ignore", got)
	}
}

func TestMsgAcceptFuncRejectsUnsupportedOpcode(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeSOA)
	m.Opcode = dns.OpcodeStatus
	if got := acceptAction(t, m); got != dns.MsgRejectNotImplemented {
		t.Errorf("STATUS opcode: Got %v Want reject-not-implemented", got)
	}
}

func TestStashRawUpdate(t *testing.T) {
	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	m.Id = 4711
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	stashRawUpdate("192.0.2.1:5353", wire)
	key := rawMsgKey("192.0.2.1:5353", mustHeaderBytes(4711))
	entry, ok := rawMsgs.Pop(key)
	if !ok {
		t.Fatalf("raw update not stashed")
	}
	if len(entry.wire) != len(wire) {
		t.Errorf("stashed length: Got %d Want %d", len(entry.wire), len(wire))
	}

	// Non-update messages are not stashed.
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 4712
	qwire, _ := q.Pack()
	stashRawUpdate("192.0.2.1:5353", qwire)
	if _, ok := rawMsgs.Pop(rawMsgKey("192.0.2.1:5353", mustHeaderBytes(4712))); ok {
		t.Errorf("query message was stashed as a raw update")
	}
}

func TestStashRawUpdateBounded(t *testing.T) {
	rawMsgs.Clear()
	defer rawMsgs.Clear()

	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	m.Id = 1
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	// A flood of UPDATEs from distinct source ports whose entries are
	// never consumed must not grow the stash without bound.
	for port := 10000; port < 10000+3*rawMsgMax; port++ {
		stashRawUpdate(fmt.Sprintf("192.0.2.1:%d", port), wire)
	}
	if n := rawMsgs.Count(); n > rawMsgMax {
		t.Errorf("stash size after flood: Got %d Want <= %d", n, rawMsgMax)
	}

	// Stale entries are reaped even when the cap is not exceeded by the
	// sweep's arbitrary eviction alone.
	rawMsgs.Clear()
	for port := 0; port < rawMsgMax; port++ {
		rawMsgs.Set(fmt.Sprintf("198.51.100.1:%d/1", port), rawMsgEntry{
			wire: wire,
			seen: time.Now().Add(-2 * rawMsgTTL),
		})
	}
	stashRawUpdate("192.0.2.1:5353", wire)
	if n := rawMsgs.Count(); n != 1 {
		t.Errorf("stale entries survived the sweep: Got %d Want 1", n)
	}
}
