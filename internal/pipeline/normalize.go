package pipeline

import (
	"strings"

	"partsync/internal"
	"partsync/internal/util"
)

// NormalizedRecord is a scraped record ready for matching: canonical key
// computed, availability clamped, origin stamped.
type NormalizedRecord struct {
	internal.ScrapedRecord
	Key string
}

// NormalizeRecords prepares raw feed records for matching. Records whose
// code is blank cannot identify a product and are dropped; negative
// availability means "none" on every supplier portal and is clamped to zero.
// The origin tag identifies the supplier integration and is constant per
// run, so it is stamped here rather than read from the feed.
func NormalizeRecords(records []internal.ScrapedRecord, origin string) []NormalizedRecord {
	out := make([]NormalizedRecord, 0, len(records))
	for _, rec := range records {
		rec.RawCode = strings.TrimSpace(rec.RawCode)
		key := util.NormalizeCode(rec.RawCode)
		if key == "" {
			continue
		}
		if rec.Available < 0 {
			rec.Available = 0
		}
		rec.Origin = origin
		out = append(out, NormalizedRecord{ScrapedRecord: rec, Key: key})
	}
	return out
}
