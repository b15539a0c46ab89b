/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"time"
)

// SerialGt reports whether a > b in RFC 1982 sequence space. Zone
// serials wrap at 2^32, so a plain integer compare is wrong once a
// zone has lived long enough.
func SerialGt(a, b uint32) bool {
	if a == b {
		return false
	}
	return (a > b && a-b < 1<<31) || (a < b && b-a > 1<<31)
}

// NextSerial computes the serial a commit should advance the zone to:
// either old+1 or the current unix time, whichever is greater in
// sequence space. Time-derived serials give the YYYY-agnostic
// "seconds" convention for free; the +1 floor keeps strict
// monotonicity for several commits within the same second and under
// clock steps backwards.
func NextSerial(old uint32, now time.Time) uint32 {
	next := old + 1
	ts := uint32(now.Unix())
	if SerialGt(ts, next) {
		return ts
	}
	return next
}
