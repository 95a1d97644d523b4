package poll

import (
	"errors"
	"testing"
	"time"

	"pgonotify/internal/encounter"
)

const header = "time\ttime_until_hidden\tlatitude\tlongitude\tencounter_id\tname\n"

func TestParseSnapshotRows(t *testing.T) {
	in := header +
		"1700000000\t900\t52.001\t13.001\tabc123\tPidgey\n" +
		"1700000100\t60.5\t52.5\t13.5\tdef456\tMr. Mime\n"

	rows, errs := ParseSnapshot([]byte(in), Columns{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	r := rows[0]
	if r.ID != "abc123" || r.SpeciesLabel != "Pidgey" || r.Source != encounter.SourcePoll {
		t.Fatalf("unexpected row: %+v", r)
	}
	if !r.ExpiresAt.Equal(time.Unix(1700000900, 0)) {
		t.Fatalf("ExpiresAt = %v", r.ExpiresAt)
	}
	if rows[1].SpeciesLabel != "Mr. Mime" {
		t.Fatalf("label must be kept verbatim, got %q", rows[1].SpeciesLabel)
	}
	if !rows[1].ExpiresAt.Equal(time.Unix(1700000160, 5e8)) {
		t.Fatalf("fractional offset: ExpiresAt = %v", rows[1].ExpiresAt)
	}
}

func TestParseSnapshotBadRowSkipped(t *testing.T) {
	in := header +
		"1700000000\t900\t52.001\t13.001\ta\tPidgey\n" +
		"soon\t900\t52.001\t13.001\tb\tRattata\n" +
		"1700000000\t900\t95\t13.001\tc\tZubat\n" +
		"1700000000\t900\t52.001\n" +
		"1700000000\t900\t52.002\t13.002\td\tEevee\n"

	rows, errs := ParseSnapshot([]byte(in), Columns{})
	if len(rows) != 2 || rows[0].ID != "a" || rows[1].ID != "d" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if len(errs) != 3 {
		t.Fatalf("errors = %d, want 3: %v", len(errs), errs)
	}
	var re *encounter.RowError
	if !errors.As(errs[0], &re) || re.Line != 3 {
		t.Fatalf("first error should be a RowError for line 3, got %v", errs[0])
	}
	for _, err := range errs {
		if !errors.Is(err, encounter.ErrMalformedInput) {
			t.Fatalf("row error should be malformed input: %v", err)
		}
	}
	if !errors.Is(errs[1], encounter.ErrInvalidCoordinate) {
		t.Fatalf("expected invalid coordinate, got %v", errs[1])
	}
}

func TestParseSnapshotMissingColumn(t *testing.T) {
	in := "time\tlatitude\tlongitude\tencounter_id\tname\n1700000000\t52\t13\ta\tPidgey\n"
	rows, errs := ParseSnapshot([]byte(in), Columns{})
	if len(rows) != 0 || len(errs) != 1 {
		t.Fatalf("expected whole snapshot to fail, got rows=%v errs=%v", rows, errs)
	}
	var re *encounter.RowError
	if !errors.As(errs[0], &re) || re.Line != 1 || !errors.Is(errs[0], encounter.ErrMalformedInput) {
		t.Fatalf("unexpected error: %v", errs[0])
	}
}

func TestParseSnapshotCustomColumnsAnyOrder(t *testing.T) {
	in := "ID\tLabel\tLng\tLat\tDespawn\tSeen\n" +
		"x1\tPikachu\t13.4\t52.5\t30\t1700000000\n"
	cols := Columns{Time: "seen", TimeUntilHidden: "despawn", Latitude: "lat", Longitude: "lng", ID: "id", Name: "label"}

	rows, errs := ParseSnapshot([]byte(in), cols)
	if len(errs) != 0 || len(rows) != 1 {
		t.Fatalf("rows=%v errs=%v", rows, errs)
	}
	r := rows[0]
	if r.ID != "x1" || r.Latitude != 52.5 || r.Longitude != 13.4 || !r.ExpiresAt.Equal(time.Unix(1700000030, 0)) {
		t.Fatalf("unexpected row: %+v", r)
	}
}

func TestParseSnapshotEmpty(t *testing.T) {
	rows, errs := ParseSnapshot(nil, Columns{})
	if rows != nil || errs != nil {
		t.Fatalf("expected nothing, got %v %v", rows, errs)
	}
	rows, errs = ParseSnapshot([]byte(header), Columns{})
	if len(rows) != 0 || len(errs) != 0 {
		t.Fatalf("header-only file: %v %v", rows, errs)
	}
}

func TestParseSnapshotQuotesAreLiteral(t *testing.T) {
	in := header +
		"1700000000\t900\t52.001\t13.001\tgood1\tPidgey\n" +
		"1700000000\t900\t52.001\t13.001\tbad1\t\"Mr. Mime\n" +
		"1700000000\t900\t52.002\t13.002\tgood2\tRattata\r\n" +
		"\n" +
		"1700000000\t900\t52.003\t13.003\tgood3\tZubat\n"

	rows, errs := ParseSnapshot([]byte(in), Columns{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4: %+v", len(rows), rows)
	}
	if rows[1].ID != "bad1" || rows[1].SpeciesLabel != "\"Mr. Mime" {
		t.Fatalf("quote should stay in the label: %+v", rows[1])
	}
	if rows[2].ID != "good2" || rows[2].SpeciesLabel != "Rattata" || rows[3].ID != "good3" {
		t.Fatalf("rows after the quote were lost: %+v", rows[2:])
	}
}

func TestParseSnapshotLineNumbersSkipBlankLines(t *testing.T) {
	in := header + "\n" +
		"1700000000\t900\t52.001\t13.001\ta\tPidgey\n" +
		"1700000000\t\"900\t52.001\t13.001\tb\tRattata\n"

	rows, errs := ParseSnapshot([]byte(in), Columns{})
	if len(rows) != 1 || len(errs) != 1 {
		t.Fatalf("rows=%v errs=%v", rows, errs)
	}
	var re *encounter.RowError
	if !errors.As(errs[0], &re) || re.Line != 4 || !errors.Is(errs[0], encounter.ErrMalformedInput) {
		t.Fatalf("expected malformed RowError for line 4, got %v", errs[0])
	}
}
