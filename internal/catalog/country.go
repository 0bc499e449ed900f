package catalog

import (
	"fmt"
	"strings"

	"asnsync/internal/platform/tabular"
)

// Column names of the ISO-3166 table, matched exactly and case-sensitively.
const (
	colName                   = "name"
	colAlpha2                 = "alpha-2"
	colAlpha3                 = "alpha-3"
	colCountryCode            = "country-code"
	colISO31662               = "iso_3166-2"
	colRegion                 = "region"
	colSubRegion              = "sub-region"
	colIntermediateRegion     = "intermediate-region"
	colRegionCode             = "region-code"
	colSubRegionCode          = "sub-region-code"
	colIntermediateRegionCode = "intermediate-region-code"
)

// ParseCountries maps the table onto Country records. The first record is the
// header. Columns absent from a row become empty strings. Rows without a valid
// alpha-2 code are skipped and reported; when a code repeats, the later row
// wins and the earlier one is reported.
//
// A header without an alpha-2 column is an error for the whole table.
func ParseCountries(tbl *tabular.Table) ([]Country, []RowError, error) {
	var rowErrs []RowError
	for _, le := range tbl.Errors {
		rowErrs = append(rowErrs, RowError{Line: le.Line, Reason: le.Err.Error()})
	}
	if len(tbl.Records) == 0 {
		return nil, rowErrs, nil
	}

	cols := make(map[string]int, len(tbl.Records[0].Fields))
	for i, name := range tbl.Records[0].Fields {
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	if _, ok := cols[colAlpha2]; !ok {
		return nil, rowErrs, fmt.Errorf("%w: %q", ErrMissingColumn, colAlpha2)
	}
	col := func(fields []string, name string) string {
		i, ok := cols[name]
		if !ok {
			return ""
		}
		return strings.TrimSpace(fieldAt(fields, i))
	}

	countries := make([]Country, 0, len(tbl.Records)-1)
	seen := make(map[string]int, len(tbl.Records)-1)
	lines := make([]int, 0, len(tbl.Records)-1)

	for _, rec := range tbl.Records[1:] {
		f := rec.Fields
		c := Country{
			Name:                   col(f, colName),
			Alpha2:                 strings.ToUpper(col(f, colAlpha2)),
			Alpha3:                 col(f, colAlpha3),
			NumericCode:            col(f, colCountryCode),
			SubdivisionPrefix:      col(f, colISO31662),
			Region:                 col(f, colRegion),
			SubRegion:              col(f, colSubRegion),
			IntermediateRegion:     col(f, colIntermediateRegion),
			RegionCode:             col(f, colRegionCode),
			SubRegionCode:          col(f, colSubRegionCode),
			IntermediateRegionCode: col(f, colIntermediateRegionCode),
		}

		switch {
		case c.Alpha2 == "":
			rowErrs = append(rowErrs, RowError{Line: rec.Line, Reason: "missing alpha-2"})
			continue
		case !isAlpha2(c.Alpha2):
			rowErrs = append(rowErrs, RowError{Line: rec.Line, Key: c.Alpha2, Reason: "alpha-2 is not two letters"})
			continue
		}

		if pos, dup := seen[c.Alpha2]; dup {
			rowErrs = append(rowErrs, RowError{
				Line:       lines[pos],
				Key:        c.Alpha2,
				Reason:     fmt.Sprintf("duplicate alpha-2, superseded by line %d", rec.Line),
				Superseded: true,
			})
			countries[pos] = c
			lines[pos] = rec.Line
			continue
		}
		seen[c.Alpha2] = len(countries)
		countries = append(countries, c)
		lines = append(lines, rec.Line)
	}
	return countries, rowErrs, nil
}
