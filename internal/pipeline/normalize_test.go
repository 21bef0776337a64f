package pipeline

import (
	"testing"

	"partsync/internal"
)

func TestNormalizeRecords(t *testing.T) {
	records := []internal.ScrapedRecord{
		{LineNo: 1, RawCode: " sa-17483 ", Available: -3},
		{LineNo: 2, RawCode: "AB12", Available: 4, Origin: "whatever the feed said"},
		{LineNo: 3, RawCode: "..", Available: 1},
	}

	out := NormalizeRecords(records, "pr")
	if len(out) != 2 {
		t.Fatalf("len=%d", len(out))
	}

	first := out[0]
	if first.RawCode != "sa-17483" || first.Key != "SA17483" {
		t.Fatalf("first = %+v", first)
	}
	if first.Available != 0 {
		t.Fatalf("negative availability not clamped: %v", first.Available)
	}
	for _, rec := range out {
		if rec.Origin != "pr" {
			t.Fatalf("origin = %q", rec.Origin)
		}
	}
}
