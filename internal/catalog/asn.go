package catalog

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/projectdiscovery/mapcidr"

	"asnsync/internal/platform/tabular"
)

type field int

const (
	fStart field = iota
	fEnd
	fASN
	fCountry
	fOrg
)

// Header aliases accepted for ASN tables, lower-cased.
var asnAliases = map[string]field{
	"ip_range_start": fStart, "range_start": fStart, "start_ip": fStart, "start": fStart, "network_start": fStart,
	"ip_range_end": fEnd, "range_end": fEnd, "end_ip": fEnd, "end": fEnd, "network_end": fEnd,
	"autonomous_system_number": fASN, "as_number": fASN, "asn": fASN,
	"country_code": fCountry, "country": fCountry, "cc": fCountry,
	"autonomous_system_organization": fOrg, "as_organization": fOrg, "organization": fOrg, "owner": fOrg, "as_name": fOrg, "org": fOrg,
}

type layout map[field]int

// headerLayout maps the column names of a header row. ok is false when the
// row holds an address or names no known column, in which case it is data.
func headerLayout(fields []string) (cols layout, ok bool) {
	cols = make(layout)
	for i, name := range fields {
		name = strings.TrimSpace(name)
		if _, err := netip.ParseAddr(name); err == nil {
			return nil, false
		}
		if f, known := asnAliases[strings.ToLower(name)]; known {
			if _, dup := cols[f]; !dup {
				cols[f] = i
			}
		}
	}
	return cols, len(cols) > 0
}

// headerlessLayout is the column order of the public dumps that ship without
// a header: ip-location-db (3 or 4 columns) and iptoasn tsv (5 columns).
func headerlessLayout(table Table, width int) layout {
	switch {
	case table == TableASNCountry:
		return layout{fStart: 0, fEnd: 1, fCountry: 2}
	case width >= 5:
		return layout{fStart: 0, fEnd: 1, fASN: 2, fCountry: 3, fOrg: 4}
	default:
		return layout{fStart: 0, fEnd: 1, fASN: 2, fOrg: 3}
	}
}

// ParseASN maps an ASN or ASN-country table onto ranges of the given IP
// version. The first row is a header only if it names a known column and
// holds no address; otherwise the file is headerless and the row is data. Invalid rows
// are skipped and reported, and a repeated range keeps the later row.
func ParseASN(tbl *tabular.Table, table Table, ipVersion int) ([]ASNRange, []RowError, error) {
	var rowErrs []RowError
	for _, le := range tbl.Errors {
		rowErrs = append(rowErrs, RowError{Line: le.Line, Reason: le.Err.Error()})
	}
	if len(tbl.Records) == 0 {
		return nil, rowErrs, nil
	}

	records := tbl.Records
	cols, ok := headerLayout(records[0].Fields)
	if ok {
		records = records[1:]
	} else {
		cols = headerlessLayout(table, len(records[0].Fields))
	}
	required := []field{fStart, fEnd, fCountry}
	if table == TableASN {
		required = []field{fStart, fEnd, fASN}
	}
	for _, f := range required {
		if _, ok := cols[f]; !ok {
			return nil, rowErrs, fmt.Errorf("%w: %s", ErrMissingColumn, fieldName(f))
		}
	}

	ranges := make([]ASNRange, 0, len(records))
	seen := make(map[string]int, len(records))
	lines := make([]int, 0, len(records))

	for _, rec := range records {
		r, err := parseRange(rec.Fields, cols, table, ipVersion)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: rec.Line, Key: r.rangeLabel(), Reason: err.Error()})
			continue
		}
		key := r.Key()
		if pos, dup := seen[key]; dup {
			rowErrs = append(rowErrs, RowError{
				Line:       lines[pos],
				Key:        key,
				Reason:     fmt.Sprintf("duplicate range, superseded by line %d", rec.Line),
				Superseded: true,
			})
			ranges[pos] = r
			lines[pos] = rec.Line
			continue
		}
		seen[key] = len(ranges)
		ranges = append(ranges, r)
		lines = append(lines, rec.Line)
	}
	return ranges, rowErrs, nil
}

func parseRange(fields []string, cols layout, table Table, ipVersion int) (ASNRange, error) {
	get := func(f field) string {
		i, ok := cols[f]
		if !ok {
			return ""
		}
		return strings.TrimSpace(fieldAt(fields, i))
	}

	r := ASNRange{Table: table, IPVersion: ipVersion, StartIP: get(fStart), EndIP: get(fEnd)}

	start, err := netip.ParseAddr(r.StartIP)
	if err != nil {
		return r, fmt.Errorf("invalid start address %q", r.StartIP)
	}
	end, err := netip.ParseAddr(r.EndIP)
	if err != nil {
		return r, fmt.Errorf("invalid end address %q", r.EndIP)
	}
	if start.Zone() != "" || end.Zone() != "" {
		return r, fmt.Errorf("zoned address not allowed")
	}
	start, end = start.Unmap(), end.Unmap()
	if version(start) != ipVersion || version(end) != ipVersion {
		return r, fmt.Errorf("not an IPv%d range", ipVersion)
	}
	if end.Less(start) {
		return r, fmt.Errorf("range start after end")
	}
	r.StartIP, r.EndIP = start.String(), end.String()

	if raw := get(fASN); raw != "" {
		asn, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(raw), "AS"), 10, 32)
		if err != nil {
			return r, fmt.Errorf("invalid asn %q", raw)
		}
		r.ASN = uint32(asn)
	} else if table == TableASN {
		return r, fmt.Errorf("missing asn")
	}

	r.Organization = get(fOrg)

	cc := strings.ToUpper(get(fCountry))
	switch {
	case isAlpha2(cc):
		r.Country = cc
	case table == TableASNCountry:
		return r, fmt.Errorf("invalid country code %q", cc)
	}
	// The ASN tables use "None" or blanks for unassigned space.

	cidrs, err := RangeCIDRs(start, end)
	if err != nil {
		return r, err
	}
	r.CIDRs = cidrs
	return r, nil
}

// RangeCIDRs returns the smallest set of prefixes covering start..end.
func RangeCIDRs(start, end netip.Addr) ([]string, error) {
	from, to := net.ParseIP(start.String()), net.ParseIP(end.String())
	if from == nil || to == nil {
		return nil, fmt.Errorf("cidr cover: invalid range %s-%s", start, end)
	}
	nets, err := mapcidr.GetCIDRFromIPRange(from, to)
	if err != nil {
		return nil, fmt.Errorf("cidr cover: %w", err)
	}
	out := make([]string, 0, len(nets))
	for _, n := range nets {
		out = append(out, n.String())
	}
	return out, nil
}

func (r ASNRange) rangeLabel() string {
	if r.StartIP == "" && r.EndIP == "" {
		return ""
	}
	return r.StartIP + "-" + r.EndIP
}

func version(a netip.Addr) int {
	if a.Is4() {
		return 4
	}
	return 6
}

func fieldName(f field) string {
	switch f {
	case fStart:
		return "range start"
	case fEnd:
		return "range end"
	case fASN:
		return "asn"
	case fCountry:
		return "country code"
	default:
		return "organization"
	}
}
