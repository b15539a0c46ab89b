package ixfr

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("bad RR %q: %v", s, err)
	}
	return rr
}

func TestDiffSequenceEquals(t *testing.T) {
	seq1 := NewDiffSequence(10, 11)
	seq1.AddAdded(mustRR(t, "www.child.parent.example. 300 IN A 192.0.2.10"))
	seq1.AddDeleted(mustRR(t, "mail.child.parent.example. 300 IN A 192.0.2.4"))
	seq1.AddDeleted(mustRR(t, "mail.child.parent.example. 300 IN A 198.51.100.4"))

	seq2 := NewDiffSequence(10, 11)
	seq2.AddDeleted(mustRR(t, "mail.child.parent.example. 300 IN A 198.51.100.4"))
	seq2.AddDeleted(mustRR(t, "mail.child.parent.example. 300 IN A 192.0.2.4"))
	seq2.AddAdded(mustRR(t, "www.child.parent.example. 300 IN A 192.0.2.10"))

	if !seq1.Equals(seq2) {
		t.Errorf("sequences with rearranged records should be equal")
	}

	seq2.AddAdded(mustRR(t, "ftp.child.parent.example. 300 IN A 192.0.2.11"))
	if seq1.Equals(seq2) {
		t.Errorf("sequences with different records should not be equal")
	}
}

func TestDiffSequenceGetAdded(t *testing.T) {
	input := NewDiffSequence(1, 2)
	input.AddAdded(mustRR(t, "a.parent.example. 300 IN A 192.0.2.1"))
	input.AddAdded(mustRR(t, "b.parent.example. 300 IN A 192.0.2.2"))

	want := makeRRSlice(
		"a.parent.example. 300 IN A 192.0.2.1",
		"b.parent.example. 300 IN A 192.0.2.2",
	)
	if got := input.GetAdded(); !rrEquals(got, want) {
		t.Errorf("GetAdded:\n got %v\nwant %v", got, want)
	}
}

func TestDiffSequenceCancellation(t *testing.T) {
	/* A changed glue record appears as delete+add within the same
	 * rrset; it must not surface as a deletion of the delegation. */
	input := NewDiffSequence(5, 6)
	input.AddDeleted(mustRR(t, "sub.parent.example. 3600 IN NS ns1.sub.parent.example."))
	input.AddDeleted(mustRR(t, "ns1.sub.parent.example. 3600 IN A 192.0.2.53"))
	input.AddAdded(mustRR(t, "ns1.sub.parent.example. 3600 IN A 198.51.100.53"))

	wantDel := makeRRSlice("sub.parent.example. 3600 IN NS ns1.sub.parent.example.")
	if got := input.GetDeleted(); !rrEquals(got, wantDel) {
		t.Errorf("GetDeleted:\n got %v\nwant %v", got, wantDel)
	}

	/* The changed record cancels on the added side too: one delete
	 * and one add in the same rrset pair off. */
	if got := input.GetAdded(); len(got) != 0 {
		t.Errorf("GetAdded: got %v, want empty", got)
	}
}
