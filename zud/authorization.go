/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AuthzRequest is the tuple an authorization decision is made over.
type AuthzRequest struct {
	Zone    string
	ZoneID  int64
	Op      OpClass
	Source  net.IP
	KeyName string // empty when the request was unsigned
}

// AuthzSource decides allow/deny for one request tuple. The two
// variants (modern rule table, legacy per-zone ACL column) are
// selected by configuration at construction time; call sites never see
// the selection flag.
type AuthzSource interface {
	Decide(req *AuthzRequest) (bool, string)
}

// GeoProvider resolves a source address to a country code and an
// autonomous-system number. It is an external collaborator; when nil,
// country and asn rule predicates simply never match.
type GeoProvider interface {
	Country(ip net.IP) string
	ASN(ip net.IP) uint32
}

func NewAuthzSource(db *ZoneDB, useModernTable bool, geo GeoProvider) AuthzSource {
	if useModernTable {
		return &RuleTableAuthz{DB: db, Geo: geo}
	}
	return &LegacyListAuthz{DB: db}
}

// matchIPList reports whether ip matches any element of a
// comma-separated list of literal IPs and CIDR blocks. "any" matches
// everything.
func matchIPList(list string, ip net.IP) bool {
	for _, elem := range strings.Split(list, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		if elem == "any" {
			return true
		}
		if strings.Contains(elem, "/") {
			_, ipnet, err := net.ParseCIDR(elem)
			if err != nil {
				continue
			}
			if ipnet.Contains(ip) {
				return true
			}
			continue
		}
		if lit := net.ParseIP(elem); lit != nil && lit.Equal(ip) {
			return true
		}
	}
	return false
}

// LegacyListAuthz implements the backward-compatible path: the zone's
// single ACL column. An unset column means the feature is not
// configured for the zone, which historically allows; a configured but
// empty column denies everything.
type LegacyListAuthz struct {
	DB *ZoneDB
}

func (l *LegacyListAuthz) Decide(req *AuthzRequest) (bool, string) {
	zr, err := l.DB.GetZone(req.Zone)
	if err != nil || zr == nil {
		return false, "zone not found"
	}

	var acl *string
	switch req.Op {
	case OpTransfer:
		if zr.XferACL.Valid {
			acl = &zr.XferACL.String
		}
	default:
		if zr.UpdateACL.Valid {
			acl = &zr.UpdateACL.String
		}
	}

	if acl == nil {
		return true, "no legacy ACL configured"
	}
	if strings.TrimSpace(*acl) == "" {
		return false, "legacy ACL is empty"
	}
	if matchIPList(*acl, req.Source) {
		return true, "legacy ACL match"
	}
	return false, "no legacy ACL entry matches"
}

// RuleTableAuthz implements the modern path: enabled rules scoped to
// the zone or global, applicable to the operation class, in priority
// order, first match wins. No match is a deny.
type RuleTableAuthz struct {
	DB  *ZoneDB
	Geo GeoProvider
}

var opColumn = map[OpClass]string{
	OpQuery:    "op_query",
	OpTransfer: "op_transfer",
	OpNotify:   "op_notify",
	OpUpdate:   "op_update",
	OpDoh:      "op_doh",
}

func (r *RuleTableAuthz) loadRules(zoneID int64, op OpClass) ([]AccessRule, error) {
	col, ok := opColumn[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation class %d", op)
	}
	q := `SELECT id, COALESCE(zone_id, 0), rule_type, match_type, value, key_name, priority
FROM access_rules WHERE enabled=1 AND (zone_id=? OR zone_id IS NULL) AND ` + col + `=1
ORDER BY priority ASC, id ASC`
	rows, err := r.DB.Query(q, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []AccessRule
	for rows.Next() {
		var ar AccessRule
		var rtype string
		if err := rows.Scan(&ar.ID, &ar.ZoneID, &rtype, &ar.MatchType, &ar.Value, &ar.KeyName, &ar.Priority); err != nil {
			return nil, err
		}
		switch rtype {
		case "allow":
			ar.Type = RuleAllow
		case "deny":
			ar.Type = RuleDeny
		default:
			continue
		}
		ar.Enabled = true
		rules = append(rules, ar)
	}
	return rules, rows.Err()
}

func (r *RuleTableAuthz) ruleMatches(ar *AccessRule, req *AuthzRequest) bool {
	// A key-scoped rule requires the exact key; the address predicate
	// (if any) must hold as well.
	if ar.KeyName != "" && CanonicalName(ar.KeyName) != req.KeyName {
		return false
	}

	switch ar.MatchType {
	case "any", "":
		return true
	case "ip":
		lit := net.ParseIP(strings.TrimSpace(ar.Value))
		return lit != nil && lit.Equal(req.Source)
	case "net":
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(ar.Value))
		return err == nil && ipnet.Contains(req.Source)
	case "country":
		if r.Geo == nil {
			return false
		}
		return strings.EqualFold(r.Geo.Country(req.Source), strings.TrimSpace(ar.Value))
	case "asn":
		if r.Geo == nil {
			return false
		}
		want, err := strconv.ParseUint(strings.TrimSpace(ar.Value), 10, 32)
		return err == nil && r.Geo.ASN(req.Source) == uint32(want)
	}
	return false
}

func (r *RuleTableAuthz) Decide(req *AuthzRequest) (bool, string) {
	rules, err := r.loadRules(req.ZoneID, req.Op)
	if err != nil {
		// A broken rule source must fail closed.
		return false, fmt.Sprintf("rule lookup failed: %v", err)
	}
	for i := range rules {
		ar := &rules[i]
		if !r.ruleMatches(ar, req) {
			continue
		}
		if ar.Type == RuleAllow {
			return true, fmt.Sprintf("rule %d allows", ar.ID)
		}
		return false, fmt.Sprintf("rule %d denies", ar.ID)
	}
	return false, "no rule matches (default deny)"
}
