// Package districtcsv reads the tabular side of a dashboard: one row
// per district with its area and rate, optionally with a point
// location. Column names are configurable because real uploads rarely
// agree on spelling, but matching stays exact and case-sensitive so a
// typo fails loudly instead of joining the wrong column.
package districtcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Layout names the columns Parse should look for. Lat and Lon may be
// left empty for tables that are joined by name rather than location.
type Layout struct {
	District string
	Area     string
	Rate     string
	Lat      string
	Lon      string
}

// DefaultLayout matches the column names the bundled sample data uses.
func DefaultLayout() Layout {
	return Layout{District: "DISTRICT", Area: "Area", Rate: "Rate"}
}

// District is one parsed row. HasLocation reports whether the row
// carried a usable coordinate pair, not merely whether the table had
// the columns.
type District struct {
	Name        string
	Area        float64
	Rate        float64
	HasLocation bool
	Lon         float64
	Lat         float64
}

// Table is the parsed CSV. The raw header and rows are retained for
// previews so the user sees exactly what they uploaded, while the
// Has* flags let joins fail fast when a key column never existed.
// Layout echoes the configuration Parse ran with, so later stages can
// name the missing column instead of guessing.
type Table struct {
	Districts []District
	Header    []string
	Raw       [][]string
	Layout    Layout

	HasDistrict bool
	HasLocation bool
}

// InvalidFieldTypeError reports a cell that should have held a usable
// number. The offending value is kept verbatim so the user can find
// the row in their spreadsheet.
type InvalidFieldTypeError struct {
	Column string
	Value  string
}

func (e *InvalidFieldTypeError) Error() string {
	return fmt.Sprintf("invalid value %q in column %q", e.Value, e.Column)
}

// Parse decodes the CSV stream according to layout. Area and rate
// columns are mandatory because every chart depends on them; the
// district name and location columns are join concerns, so their
// absence is only recorded, never fatal here.
func Parse(r io.Reader, layout Layout) (*Table, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table is empty")
	}

	header := records[0]
	if len(header) > 0 {
		// Spreadsheet exports love to prepend a byte order mark.
		header[0] = strings.TrimPrefix(header[0], "﻿")
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.TrimSpace(h)] = i
	}

	areaIdx, haveArea := columns[layout.Area]
	rateIdx, haveRate := columns[layout.Rate]
	if !haveArea {
		return nil, fmt.Errorf("table has no %q column", layout.Area)
	}
	if !haveRate {
		return nil, fmt.Errorf("table has no %q column", layout.Rate)
	}

	t := &Table{Header: header, Raw: records[1:], Layout: layout}
	nameIdx, haveName := columns[layout.District]
	t.HasDistrict = haveName

	latIdx, lonIdx := -1, -1
	if layout.Lat != "" && layout.Lon != "" {
		var haveLat, haveLon bool
		latIdx, haveLat = columns[layout.Lat]
		lonIdx, haveLon = columns[layout.Lon]
		t.HasLocation = haveLat && haveLon
	}

	for _, rec := range records[1:] {
		d := District{}
		if haveName && nameIdx < len(rec) {
			d.Name = strings.TrimSpace(rec[nameIdx])
		}
		if d.Area, err = parseNumber(rec, areaIdx, layout.Area); err != nil {
			return nil, err
		}
		if d.Area < 0 {
			return nil, &InvalidFieldTypeError{Column: layout.Area, Value: rec[areaIdx]}
		}
		if d.Rate, err = parseNumber(rec, rateIdx, layout.Rate); err != nil {
			return nil, err
		}
		if t.HasLocation {
			if d.Lat, err = parseNumber(rec, latIdx, layout.Lat); err != nil {
				return nil, err
			}
			if d.Lon, err = parseNumber(rec, lonIdx, layout.Lon); err != nil {
				return nil, err
			}
			d.HasLocation = true
		}
		t.Districts = append(t.Districts, d)
	}
	return t, nil
}

func parseNumber(rec []string, idx int, column string) (float64, error) {
	if idx >= len(rec) {
		return 0, &InvalidFieldTypeError{Column: column, Value: ""}
	}
	raw := strings.TrimSpace(rec[idx])
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &InvalidFieldTypeError{Column: column, Value: rec[idx]}
	}
	return v, nil
}
