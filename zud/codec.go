/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// The codec walks raw wire messages to locate the trailing TSIG record
// and compute the exact byte range its MAC covers. miekg/dns handles
// the structured view of a message; the raw walk exists because MAC
// computation is defined over the original bytes with the TSIG record
// removed, the additional count decremented and the original message
// ID restored. Re-packing a parsed message does not reproduce those
// bytes.

var (
	ErrTruncatedMessage = errors.New("truncated DNS message")
	ErrBadPointer       = errors.New("invalid compressed-name pointer")
	ErrBadLabel         = errors.New("invalid label in domain name")
	ErrTsigNotLast      = errors.New("TSIG record is not the last record")
)

const maxPointerHops = 16

// ParsedTsig holds the fields of an extracted TSIG record plus the
// MAC-covered byte range of the message it came from.
type ParsedTsig struct {
	KeyName    string
	Algorithm  string
	TimeSigned uint64
	Fudge      uint16
	MAC        []byte
	OrigID     uint16
	Error      uint16
	OtherData  []byte
	Covered    []byte
}

// skipName advances past a possibly-compressed domain name starting at
// off, validating that any compression pointer points strictly
// backward and that the pointer chain terminates within a bounded
// number of hops.
func skipName(msg []byte, off int) (int, error) {
	end := 0
	ptr := off
	for hops := 0; ; hops++ {
		if hops > maxPointerHops {
			return 0, ErrBadPointer
		}
		if ptr >= len(msg) {
			return 0, ErrTruncatedMessage
		}
		b := int(msg[ptr])
		switch {
		case b == 0:
			if end == 0 {
				end = ptr + 1
			}
			return end, nil
		case b&0xC0 == 0xC0:
			if ptr+1 >= len(msg) {
				return 0, ErrTruncatedMessage
			}
			target := (b&0x3F)<<8 | int(msg[ptr+1])
			if target >= ptr {
				// forward or self pointers make loops; reject
				return 0, ErrBadPointer
			}
			if end == 0 {
				end = ptr + 2
			}
			ptr = target
		case b&0xC0 != 0:
			return 0, ErrBadLabel
		default:
			ptr += 1 + b
		}
	}
}

// unpackName reads an uncompressed domain name (as used inside TSIG
// rdata) starting at off, returning it in presentation form.
func unpackName(msg []byte, off int) (string, int, error) {
	var sb strings.Builder
	for {
		if off >= len(msg) {
			return "", 0, ErrTruncatedMessage
		}
		l := int(msg[off])
		if l == 0 {
			off++
			break
		}
		if l > 63 || off+1+l > len(msg) {
			return "", 0, ErrBadLabel
		}
		sb.Write(msg[off+1 : off+1+l])
		sb.WriteByte('.')
		off += 1 + l
	}
	name := sb.String()
	if name == "" {
		name = "."
	}
	return name, off, nil
}

// skipRR advances past one resource record (name + fixed header +
// rdata), returning the new offset.
func skipRR(msg []byte, off int) (int, error) {
	off, err := skipName(msg, off)
	if err != nil {
		return 0, err
	}
	if off+10 > len(msg) {
		return 0, ErrTruncatedMessage
	}
	rdlen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
	off += 10 + rdlen
	if off > len(msg) {
		return 0, ErrTruncatedMessage
	}
	return off, nil
}

// ExtractTsig walks a raw message and, if its last additional-section
// record is a TSIG, returns the parsed record plus the MAC-covered
// byte range. A message without a TSIG yields (nil, nil): absence of a
// signature is a policy question, not a wire error.
func ExtractTsig(msg []byte) (*ParsedTsig, error) {
	if len(msg) < 12 {
		return nil, ErrTruncatedMessage
	}
	qdcount := int(binary.BigEndian.Uint16(msg[4:6]))
	ancount := int(binary.BigEndian.Uint16(msg[6:8]))
	nscount := int(binary.BigEndian.Uint16(msg[8:10]))
	arcount := int(binary.BigEndian.Uint16(msg[10:12]))
	if arcount == 0 {
		return nil, nil
	}

	off := 12
	var err error
	for i := 0; i < qdcount; i++ {
		off, err = skipName(msg, off)
		if err != nil {
			return nil, err
		}
		off += 4
		if off > len(msg) {
			return nil, ErrTruncatedMessage
		}
	}
	for i := 0; i < ancount+nscount; i++ {
		off, err = skipRR(msg, off)
		if err != nil {
			return nil, err
		}
	}

	for i := 0; i < arcount; i++ {
		rrStart := off
		nameEnd, err := skipName(msg, off)
		if err != nil {
			return nil, err
		}
		if nameEnd+10 > len(msg) {
			return nil, ErrTruncatedMessage
		}
		rtype := binary.BigEndian.Uint16(msg[nameEnd : nameEnd+2])
		rdlen := int(binary.BigEndian.Uint16(msg[nameEnd+8 : nameEnd+10]))
		rdStart := nameEnd + 10
		if rdStart+rdlen > len(msg) {
			return nil, ErrTruncatedMessage
		}
		if rtype != dns.TypeTSIG {
			off = rdStart + rdlen
			continue
		}
		if i != arcount-1 {
			return nil, ErrTsigNotLast
		}
		keyName, _, err := unpackName(msg, rrStart)
		if err != nil {
			return nil, err
		}
		pt := &ParsedTsig{KeyName: CanonicalName(keyName)}

		p := rdStart
		pt.Algorithm, p, err = unpackName(msg, p)
		if err != nil {
			return nil, err
		}
		pt.Algorithm = strings.ToLower(pt.Algorithm)
		if p+10 > len(msg) {
			return nil, ErrTruncatedMessage
		}
		pt.TimeSigned = uint64(msg[p])<<40 | uint64(msg[p+1])<<32 | uint64(msg[p+2])<<24 |
			uint64(msg[p+3])<<16 | uint64(msg[p+4])<<8 | uint64(msg[p+5])
		p += 6
		pt.Fudge = binary.BigEndian.Uint16(msg[p : p+2])
		p += 2
		macSize := int(binary.BigEndian.Uint16(msg[p : p+2]))
		p += 2
		if p+macSize+6 > len(msg) {
			return nil, ErrTruncatedMessage
		}
		pt.MAC = append([]byte(nil), msg[p:p+macSize]...)
		p += macSize
		pt.OrigID = binary.BigEndian.Uint16(msg[p : p+2])
		p += 2
		pt.Error = binary.BigEndian.Uint16(msg[p : p+2])
		p += 2
		otherLen := int(binary.BigEndian.Uint16(msg[p : p+2]))
		p += 2
		if p+otherLen > len(msg) {
			return nil, ErrTruncatedMessage
		}
		pt.OtherData = append([]byte(nil), msg[p:p+otherLen]...)

		// The covered range: message bytes with the TSIG removed,
		// ARCOUNT decremented and the original ID restored.
		covered := append([]byte(nil), msg[:rrStart]...)
		binary.BigEndian.PutUint16(covered[10:12], uint16(arcount-1))
		binary.BigEndian.PutUint16(covered[0:2], pt.OrigID)
		pt.Covered = covered
		return pt, nil
	}
	return nil, nil
}

// packNameCanonical packs a domain name in canonical (lower case,
// uncompressed) wire form, as the TSIG digest requires.
func packNameCanonical(name string) ([]byte, error) {
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(CanonicalName(name), buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// tsigDigestVars assembles the "TSIG variables" block of the digest:
// key name, class ANY, TTL 0, algorithm, signing time, fudge, error,
// other-data. Field order and widths per the TSIG wire contract.
func tsigDigestVars(keyName, algorithm string, timeSigned uint64, fudge uint16, tsigError uint16, other []byte) ([]byte, error) {
	kn, err := packNameCanonical(keyName)
	if err != nil {
		return nil, err
	}
	an, err := packNameCanonical(algorithm)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(kn)+len(an)+20+len(other))
	out = append(out, kn...)
	out = append(out, 0x00, 0xFF) // class ANY
	out = append(out, 0, 0, 0, 0) // TTL 0
	out = append(out, an...)
	out = append(out,
		byte(timeSigned>>40), byte(timeSigned>>32), byte(timeSigned>>24),
		byte(timeSigned>>16), byte(timeSigned>>8), byte(timeSigned))
	out = binary.BigEndian.AppendUint16(out, fudge)
	out = binary.BigEndian.AppendUint16(out, tsigError)
	out = binary.BigEndian.AppendUint16(out, uint16(len(other)))
	out = append(out, other...)
	return out, nil
}

// requestDigest is the MAC input for verifying a request: the covered
// range followed by the TSIG variables.
func requestDigest(pt *ParsedTsig) ([]byte, error) {
	vars, err := tsigDigestVars(pt.KeyName, pt.Algorithm, pt.TimeSigned, pt.Fudge, pt.Error, pt.OtherData)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), pt.Covered...), vars...), nil
}

// responseDigest is the MAC input for signing a response: the length-
// prefixed request MAC, the response bytes, then the TSIG variables.
func responseDigest(reqMAC []byte, response []byte, keyName, algorithm string, timeSigned uint64, fudge uint16, tsigError uint16, other []byte) ([]byte, error) {
	vars, err := tsigDigestVars(keyName, algorithm, timeSigned, fudge, tsigError, other)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(reqMAC)+len(response)+len(vars))
	if len(reqMAC) > 0 {
		out = binary.BigEndian.AppendUint16(out, uint16(len(reqMAC)))
		out = append(out, reqMAC...)
	}
	out = append(out, response...)
	out = append(out, vars...)
	return out, nil
}

// AppendTsig appends a TSIG record to a packed message and increments
// the additional-record count in the header.
func AppendTsig(msg []byte, tsig *dns.TSIG) ([]byte, error) {
	if len(msg) < 12 {
		return nil, ErrTruncatedMessage
	}
	buf := make([]byte, 512+len(tsig.MAC)/2)
	off, err := dns.PackRR(tsig, buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("failed to pack TSIG record: %v", err)
	}
	out := append(append([]byte(nil), msg...), buf[:off]...)
	arcount := binary.BigEndian.Uint16(out[10:12])
	binary.BigEndian.PutUint16(out[10:12], arcount+1)
	return out, nil
}
