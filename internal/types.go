package internal

import (
	"time"

	"github.com/shopspring/decimal"
)

type FeedFormat string

const (
	FormatCSV  FeedFormat = "csv"
	FormatXLSX FeedFormat = "xlsx"
	FormatHTML FeedFormat = "html"
)

// ScrapedRecord is one product row taken from a supplier feed. Values are
// kept as parsed; normalization clamps availability and computes the
// canonical key in a later pass.
type ScrapedRecord struct {
	LineNo      int
	Origin      string
	RawCode     string
	Description string
	Brand       *string
	CostPrice   *decimal.Decimal
	SalePrice   *decimal.Decimal
	Available   float64
}

type MatchKind string

const (
	MatchExact      MatchKind = "EXACT"
	MatchNormalized MatchKind = "NORMALIZED"
	MatchNone       MatchKind = "NONE"
)

// MatchPair maps one scraped code to the registry code it resolved to.
// Exact matches map a code to itself.
type MatchPair struct {
	ScrapedCode  string
	RegistryCode string
	Kind         MatchKind
}

// CodeMatch is the output of one matching pass over a scraped feed and the
// registry code list. Pairs and Unmatched follow scraped input order so two
// runs over the same feed produce identical artifacts. Mapping is the pair
// list keyed by scraped code for translation lookups.
type CodeMatch struct {
	Pairs      []MatchPair
	Mapping    map[string]string
	Unmatched  []string
	Collisions []string
}

// Matched reports whether a scraped code resolved to a registry code.
func (m *CodeMatch) Matched(scrapedCode string) bool {
	_, ok := m.Mapping[scrapedCode]
	return ok
}

// AuditRow is one line of the XLSX audit artifact: the scraped input, how it
// matched, and what the synchronizer did to it per collection.
type AuditRow struct {
	LineNo       int
	Origin       string
	RawCode      string
	Description  string
	MatchKind    string
	RegistryCode *string
	Collection   string
	Action       string
	Before       *string
	After        *string
	Detail       *string
}

// RunRecord is one finished engine run as persisted in the run store.
type RunRecord struct {
	ID         string
	Command    string
	Origin     string
	DryRun     bool
	StartedAt  time.Time
	Duration   time.Duration
	FeedItems  int
	Matched    int
	Unmatched  int
	Collisions int
}

// CollectionCounts summarizes what one collection did during one run.
type CollectionCounts struct {
	Collection         string
	Updated            int
	Created            int
	Unchanged          int
	SkippedKit         int
	SkippedNonStorable int
	Errors             int
}

// RunError is one retained per-item failure. Only a bounded prefix of each
// collection's failures is stored; the rest live in the log.
type RunError struct {
	Collection string
	Code       string
	Reason     string
}
