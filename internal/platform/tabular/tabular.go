// Package tabular reads small delimited text files (CSV/TSV, optionally gzip
// or zstd compressed) fully into memory.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Record is one parsed line. Line is 1-based and refers to the decompressed text.
type Record struct {
	Line   int
	Fields []string
}

// LineError is a line the csv reader could not tokenize.
type LineError struct {
	Line int
	Err  error
}

type Table struct {
	Records []Record
	Errors  []LineError
}

// ReadFile reads every record of path. The delimiter is a tab for .tsv
// files and a comma otherwise; .gz and .zst suffixes are decompressed
// transparently and a leading UTF-8 BOM is dropped.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	name := strings.ToLower(path)
	var r io.Reader = f
	switch {
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, ".zst")
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer gr.Close()
		r = gr
		name = strings.TrimSuffix(name, ".gz")
	}

	comma := ','
	if strings.HasSuffix(name, ".tsv") {
		comma = '\t'
	}

	data, err := io.ReadAll(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(string(data), comma), nil
}

// Parse tokenizes text already held in memory. Rows may have any number of
// fields; blank lines are skipped.
func Parse(text string, comma rune) *Table {
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	t := &Table{}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				t.Errors = append(t.Errors, LineError{Line: perr.Line, Err: perr.Err})
				continue
			}
			t.Errors = append(t.Errors, LineError{Err: err})
			break
		}
		line, _ := cr.FieldPos(0)
		t.Records = append(t.Records, Record{Line: line, Fields: fields})
	}
	return t
}
