package poll

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	"pgonotify/internal/encounter"
	"pgonotify/internal/geo"
)

// Columns names the header fields of a snapshot file. Lookup is
// case-insensitive.
type Columns struct {
	Time            string `json:"time"`
	TimeUntilHidden string `json:"time_until_hidden"`
	Latitude        string `json:"latitude"`
	Longitude       string `json:"longitude"`
	ID              string `json:"encounter_id"`
	Name            string `json:"name"`
}

func DefaultColumns() Columns {
	return Columns{
		Time:            "time",
		TimeUntilHidden: "time_until_hidden",
		Latitude:        "latitude",
		Longitude:       "longitude",
		ID:              "encounter_id",
		Name:            "name",
	}
}

// WithDefaults fills empty names from DefaultColumns.
func (c Columns) WithDefaults() Columns {
	d := DefaultColumns()
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	}
	return Columns{
		Time:            pick(c.Time, d.Time),
		TimeUntilHidden: pick(c.TimeUntilHidden, d.TimeUntilHidden),
		Latitude:        pick(c.Latitude, d.Latitude),
		Longitude:       pick(c.Longitude, d.Longitude),
		ID:              pick(c.ID, d.ID),
		Name:            pick(c.Name, d.Name),
	}
}

type columnIndex struct {
	time, offset, lat, lon, id, name int
	width                            int
}

func (c Columns) index(header []string) (columnIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := pos[key]; !dup {
			pos[key] = i
		}
	}
	var missing []string
	find := func(name string) int {
		i, ok := pos[strings.ToLower(name)]
		if !ok {
			missing = append(missing, name)
			return -1
		}
		return i
	}
	ix := columnIndex{
		time:   find(c.Time),
		offset: find(c.TimeUntilHidden),
		lat:    find(c.Latitude),
		lon:    find(c.Longitude),
		id:     find(c.ID),
		name:   find(c.Name),
	}
	if len(missing) > 0 {
		return ix, encounter.Malformed("header: missing column(s) %s", strings.Join(missing, ", "))
	}
	ix.width = max(ix.time, ix.offset, ix.lat, ix.lon, ix.id, ix.name) + 1
	return ix, nil
}

// ParseSnapshot parses the full contents of a tab-separated snapshot file.
// Fields are split on tabs only; quotes carry no meaning. Rows come back in
// file order. Every bad row yields one *encounter.RowError and is skipped; a
// header that lacks a required column fails the whole snapshot with a single
// RowError for the header line. Blank lines are ignored and empty input
// yields nothing.
func ParseSnapshot(contents []byte, cols Columns) ([]encounter.Encounter, []error) {
	cols = cols.WithDefaults()

	var (
		ix     columnIndex
		inBody bool
		out    []encounter.Encounter
		errs   []error
	)
	for n, raw := range bytes.Split(contents, []byte{'\n'}) {
		line := n + 1
		text := strings.TrimSuffix(string(raw), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if !inBody {
			var err error
			if ix, err = cols.index(fields); err != nil {
				return nil, []error{&encounter.RowError{Line: line, Err: err}}
			}
			inBody = true
			continue
		}
		e, err := parseRow(fields, ix)
		if err != nil {
			errs = append(errs, &encounter.RowError{Line: line, Err: err})
			continue
		}
		out = append(out, e)
	}
	return out, errs
}

func parseRow(rec []string, ix columnIndex) (encounter.Encounter, error) {
	if len(rec) < ix.width {
		return encounter.Encounter{}, encounter.Malformed("row has %d fields, need %d", len(rec), ix.width)
	}
	field := func(i int) string { return strings.TrimSpace(rec[i]) }

	spawn, err := number(field(ix.time), "time")
	if err != nil {
		return encounter.Encounter{}, err
	}
	offset, err := number(field(ix.offset), "time_until_hidden")
	if err != nil {
		return encounter.Encounter{}, err
	}
	lat, err := number(field(ix.lat), "latitude")
	if err != nil {
		return encounter.Encounter{}, err
	}
	lon, err := number(field(ix.lon), "longitude")
	if err != nil {
		return encounter.Encounter{}, err
	}
	if err := geo.ValidateCoordinate(lat, lon); err != nil {
		return encounter.Encounter{}, err
	}
	id := field(ix.id)
	if id == "" {
		return encounter.Encounter{}, encounter.Malformed("empty id")
	}
	name := field(ix.name)
	if name == "" {
		return encounter.Encounter{}, encounter.Malformed("empty name")
	}

	spawnAt, err := encounter.UnixTime(spawn)
	if err != nil {
		return encounter.Encounter{}, encounter.Malformed("time: %v", err)
	}
	return encounter.Encounter{
		ID:           id,
		SpeciesLabel: name,
		Latitude:     lat,
		Longitude:    lon,
		ExpiresAt:    spawnAt.Add(time.Duration(offset * float64(time.Second))),
		Source:       encounter.SourcePoll,
	}, nil
}

func number(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, encounter.Malformed("%s: not a number: %q", field, s)
	}
	return v, nil
}
