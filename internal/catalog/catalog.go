package catalog

import (
	"errors"
	"fmt"
)

var ErrMissingColumn = errors.New("missing required column")

// Country is one row of the ISO-3166 table. Alpha2 is the natural key.
type Country struct {
	Name                   string `json:"name" bson:"name"`
	Alpha2                 string `json:"alpha2" bson:"alpha2"`
	Alpha3                 string `json:"alpha3" bson:"alpha3"`
	NumericCode            string `json:"countryCode" bson:"countryCode"`
	SubdivisionPrefix      string `json:"iso3166_2" bson:"iso3166_2"`
	Region                 string `json:"region" bson:"region"`
	SubRegion              string `json:"subRegion" bson:"subRegion"`
	IntermediateRegion     string `json:"intermediateRegion" bson:"intermediateRegion"`
	RegionCode             string `json:"regionCode" bson:"regionCode"`
	SubRegionCode          string `json:"subRegionCode" bson:"subRegionCode"`
	IntermediateRegionCode string `json:"intermediateRegionCode" bson:"intermediateRegionCode"`
}

func (c Country) Key() string { return c.Alpha2 }

// Table identifies which ASN dataset a range came from.
type Table string

const (
	TableASNCountry Table = "asn-country" // start, end, country
	TableASN        Table = "asn"         // start, end, asn, organization
)

// ASNRange is one address range of an ASN or ASN-country table.
type ASNRange struct {
	Table        Table    `json:"table" bson:"table"`
	IPVersion    int      `json:"ipVersion" bson:"ipVersion"`
	StartIP      string   `json:"startIP" bson:"startIP"`
	EndIP        string   `json:"endIP" bson:"endIP"`
	CIDRs        []string `json:"cidrs,omitempty" bson:"cidrs,omitempty"`
	ASN          uint32   `json:"asn,omitempty" bson:"asn,omitempty"`
	Organization string   `json:"organization,omitempty" bson:"organization,omitempty"`
	Country      string   `json:"country,omitempty" bson:"country,omitempty"`
	CountryName  string   `json:"countryName,omitempty" bson:"countryName,omitempty"`
	Region       string   `json:"region,omitempty" bson:"region,omitempty"`
}

// Key is unique per table so both tables of one IP version can share a
// collection without overwriting each other.
func (r ASNRange) Key() string {
	return fmt.Sprintf("%s:%s-%s", r.Table, r.StartIP, r.EndIP)
}

// RowError flags a source row that was skipped or superseded. A superseded
// row lost to a later row with the same key, so its key is still applied.
type RowError struct {
	Line       int    `json:"line"`
	Key        string `json:"key,omitempty"`
	Reason     string `json:"reason"`
	Superseded bool   `json:"superseded,omitempty"`
}

func (e RowError) String() string {
	if e.Key != "" {
		return fmt.Sprintf("line %d (%s): %s", e.Line, e.Key, e.Reason)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// CountryIndex resolves alpha-2 codes to countries.
type CountryIndex map[string]Country

func NewCountryIndex(countries []Country) CountryIndex {
	idx := make(CountryIndex, len(countries))
	for _, c := range countries {
		idx[c.Alpha2] = c
	}
	return idx
}

// Enrich copies country name and region onto ranges with a known country code.
func (idx CountryIndex) Enrich(ranges []ASNRange) {
	if len(idx) == 0 {
		return
	}
	for i := range ranges {
		if c, ok := idx[ranges[i].Country]; ok {
			ranges[i].CountryName = c.Name
			ranges[i].Region = c.Region
		}
	}
}

func fieldAt(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return fields[idx]
}

func isAlpha2(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
