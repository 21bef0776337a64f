package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"partsync/internal"
	"partsync/internal/config"
	"partsync/internal/registry"
	"partsync/internal/storage"
	"partsync/internal/supplier"
	"partsync/internal/util"
)

// maxPersistedErrors caps how many per-item failures one collection keeps in
// the run store. The full list still goes to the log.
const maxPersistedErrors = 50

// Service drives one command end to end: feed or probe in, matched and
// synchronized records out, artifacts and a persisted run on the side.
type Service struct {
	db   *storage.DB
	cfg  config.Config
	exec registry.Executor
	log  *zap.Logger
}

// NewService wires a command service. db may be nil when nothing should be
// persisted and exec may be nil for offline commands.
func NewService(db *storage.DB, cfg config.Config, exec registry.Executor, log *zap.Logger) *Service {
	return &Service{db: db, cfg: cfg, exec: exec, log: log}
}

// RunSummary is what a finished command hands back to the CLI.
type RunSummary struct {
	Run       internal.RunRecord
	Outcome   registry.SyncOutcome
	AuditPath string
	Reports   []string
}

type SyncRequest struct {
	FeedPath    string
	CodesPath   string
	Origin      string
	Collections []string
	Limit       int
	DryRun      bool
}

// SyncFeed loads a feed file, matches it against the registry code universe
// and applies the requested collections in order. Setup failures abort
// before any mutation; per-item failures are isolated inside the
// synchronizer and reported in the outcome.
func (s *Service) SyncFeed(ctx context.Context, req SyncRequest) (*RunSummary, error) {
	policy, err := registry.ParseAvailabilityPolicy(s.cfg.AvailabilityPolicy)
	if err != nil {
		return nil, err
	}
	opts, err := s.syncOptions(policy, req.Collections, req.DryRun)
	if err != nil {
		return nil, err
	}
	if s.exec == nil {
		return nil, fmt.Errorf("sync requires a registry connection")
	}

	started := time.Now()
	records, format, err := LoadFeed(req.FeedPath)
	if err != nil {
		return nil, err
	}
	normalized := limitRecords(NormalizeRecords(records, req.Origin), req.Limit)
	s.log.Info("feed loaded",
		zap.String("path", req.FeedPath),
		zap.String("format", string(format)),
		zap.Int("records", len(normalized)))

	registryCodes, err := s.registryCodes(ctx, req.CodesPath)
	if err != nil {
		return nil, err
	}
	match := MatchCodes(registryCodes, scrapedCodes(normalized), s.log)
	items := buildSyncItems(normalized, match, s.log)

	loader := registry.NewLoader(s.exec, s.log)
	cache, err := loader.Load(ctx, s.cfg.SyncLocation, s.cfg.SyncSupplier, itemCodes(items))
	if err != nil {
		return nil, err
	}
	defer cache.Clear()

	outcome, changes := registry.NewSynchronizer(s.exec, cache, opts, s.log).Run(ctx, items)

	run := internal.RunRecord{
		ID:         uuid.NewString(),
		Command:    "sync",
		Origin:     req.Origin,
		DryRun:     req.DryRun,
		StartedAt:  started,
		Duration:   time.Since(started),
		FeedItems:  len(normalized),
		Matched:    len(match.Pairs),
		Unmatched:  len(match.Unmatched),
		Collisions: len(match.Collisions),
	}
	summary := &RunSummary{Run: run, Outcome: outcome}

	auditPath := filepath.Join(s.cfg.OutputDir,
		fmt.Sprintf("audit_%s_%s.xlsx", started.Format("2006-01-02"), run.ID[:8]))
	if err := ExportAuditXLSX(buildAuditRows(normalized, match, changes), auditPath); err != nil {
		s.log.Error("audit export failed", zap.Error(err))
	} else {
		summary.AuditPath = auditPath
	}

	if err := s.persistRun(run, outcome); err != nil {
		s.log.Error("persisting run failed", zap.Error(err))
	}
	return summary, nil
}

type ProbeRequest struct {
	Limit  int
	DryRun bool
}

// Probe selects the registry products owned by the configured supplier, asks
// the portal for their stock and applies the stock collection. Probe results
// carry no prices, so pricing and rules never run here. Codes the portal
// does not know write out as zero.
func (s *Service) Probe(ctx context.Context, req ProbeRequest) (*RunSummary, error) {
	policy, err := registry.ParseAvailabilityPolicy(s.cfg.AvailabilityPolicy)
	if err != nil {
		return nil, err
	}
	if s.exec == nil {
		return nil, fmt.Errorf("probe requires a registry connection")
	}

	started := time.Now()
	loader := registry.NewLoader(s.exec, s.log)
	targets, err := loader.SupplierProducts(ctx, s.cfg.SyncSupplier, s.cfg.SyncAltSupplier)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(targets) > req.Limit {
		targets = targets[:req.Limit]
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no products to probe for supplier %q", s.cfg.SyncSupplier)
	}

	codes := make([]string, 0, len(targets))
	for _, t := range targets {
		codes = append(codes, t.Code)
	}

	report, err := s.probePortal(ctx, codes)
	if err != nil {
		return nil, err
	}
	reports, err := report.WriteReports(s.cfg.OutputDir)
	if err != nil {
		s.log.Error("writing probe reports failed", zap.Error(err))
	}

	// Probe targets come straight from the registry, so every code maps to
	// itself and the match stage has nothing to do.
	items := make([]registry.SyncItem, 0, len(targets))
	for _, t := range targets {
		items = append(items, registry.SyncItem{
			ScrapedCode:  t.Code,
			RegistryCode: t.Code,
			Available:    report.Stock[t.Code],
		})
	}

	cache, err := loader.Load(ctx, s.cfg.SyncLocation, s.cfg.SyncSupplier, codes)
	if err != nil {
		return nil, err
	}
	defer cache.Clear()

	opts := registry.SyncOptions{
		Policy:      policy,
		CreateChunk: s.cfg.SyncCreateChunk,
		RouteID:     s.cfg.SyncRouteID,
		WarehouseID: s.cfg.SyncWarehouseID,
		Stock:       true,
		DryRun:      req.DryRun,
	}
	outcome, _ := registry.NewSynchronizer(s.exec, cache, opts, s.log).Run(ctx, items)

	run := internal.RunRecord{
		ID:        uuid.NewString(),
		Command:   "probe",
		Origin:    "portal",
		DryRun:    req.DryRun,
		StartedAt: started,
		Duration:  time.Since(started),
		FeedItems: len(targets),
		Matched:   len(targets) - len(report.NotFound),
		Unmatched: len(report.NotFound),
	}
	if err := s.persistRun(run, outcome); err != nil {
		s.log.Error("persisting run failed", zap.Error(err))
	}
	return &RunSummary{Run: run, Outcome: outcome, Reports: reports}, nil
}

// probePortal logs into the portal and fans the stock lookups out.
func (s *Service) probePortal(ctx context.Context, codes []string) (*supplier.ProbeReport, error) {
	session, err := supplier.NewSession(s.cfg.PortalBaseURL,
		time.Duration(s.cfg.PortalTimeoutMs)*time.Millisecond, s.log)
	if err != nil {
		return nil, err
	}
	if err := session.Login(ctx, s.cfg.PortalUser, s.cfg.PortalPassword); err != nil {
		return nil, err
	}
	return supplier.NewProber(s.cfg, session, s.log).Run(ctx, codes)
}

type MatchRequest struct {
	FeedPath  string
	CodesPath string
	Origin    string
	Limit     int
}

// MatchReport runs the read-only half of a sync: load, normalize, match and
// write the audit workbook. Nothing is mutated and no run is persisted.
func (s *Service) MatchReport(ctx context.Context, req MatchRequest) (internal.CodeMatch, string, error) {
	records, format, err := LoadFeed(req.FeedPath)
	if err != nil {
		return internal.CodeMatch{}, "", err
	}
	normalized := limitRecords(NormalizeRecords(records, req.Origin), req.Limit)
	s.log.Info("feed loaded",
		zap.String("path", req.FeedPath),
		zap.String("format", string(format)),
		zap.Int("records", len(normalized)))

	registryCodes, err := s.registryCodes(ctx, req.CodesPath)
	if err != nil {
		return internal.CodeMatch{}, "", err
	}
	match := MatchCodes(registryCodes, scrapedCodes(normalized), s.log)

	auditPath := filepath.Join(s.cfg.OutputDir,
		fmt.Sprintf("match_%s.xlsx", time.Now().Format("2006-01-02_150405")))
	if err := ExportAuditXLSX(buildAuditRows(normalized, match, nil), auditPath); err != nil {
		return match, "", err
	}
	return match, auditPath, nil
}

// Crawl downloads the full portal catalog into a dated CSV feed and returns
// its path.
func (s *Service) Crawl(ctx context.Context) (string, error) {
	return supplier.NewCrawler(s.cfg, s.log).Run(ctx)
}

// registryCodes returns the code universe to match against: an offline code
// list when one is given, otherwise the live registry.
func (s *Service) registryCodes(ctx context.Context, codesPath string) ([]string, error) {
	if codesPath != "" {
		return readCodesFile(codesPath)
	}
	if s.exec == nil {
		return nil, fmt.Errorf("matching needs a registry connection or a codes file")
	}
	return registry.NewLoader(s.exec, s.log).ListCodes(ctx)
}

// readCodesFile reads one registry code per line. Lines may carry extra
// comma- or semicolon-separated columns; only the first field counts.
// Blank lines and #-comments are skipped.
func readCodesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read codes file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, ",;"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

func (s *Service) syncOptions(policy registry.AvailabilityPolicy, collections []string, dryRun bool) (registry.SyncOptions, error) {
	opts := registry.SyncOptions{
		Policy:      policy,
		CreateChunk: s.cfg.SyncCreateChunk,
		RouteID:     s.cfg.SyncRouteID,
		WarehouseID: s.cfg.SyncWarehouseID,
		DryRun:      dryRun,
	}
	if len(collections) == 0 {
		collections = []string{"stock", "pricing", "rules"}
	}
	for _, c := range collections {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "stock":
			opts.Stock = true
		case "pricing":
			opts.Pricing = true
		case "rules":
			opts.Rules = true
		case "":
		default:
			return registry.SyncOptions{}, fmt.Errorf("unknown collection %q, want stock, pricing or rules", c)
		}
	}
	if !opts.Stock && !opts.Pricing && !opts.Rules {
		return registry.SyncOptions{}, fmt.Errorf("no collections selected")
	}
	return opts, nil
}

// buildSyncItems turns matched records into synchronizer input. Registry
// codes stay unique: when two feed rows resolve to the same registry record
// the first row wins and later ones are dropped.
func buildSyncItems(records []NormalizedRecord, match internal.CodeMatch, log *zap.Logger) []registry.SyncItem {
	items := make([]registry.SyncItem, 0, len(records))
	claimed := make(map[string]string, len(records))
	for _, rec := range records {
		registryCode, ok := match.Mapping[rec.RawCode]
		if !ok {
			continue
		}
		if prev, dup := claimed[registryCode]; dup {
			if prev != rec.RawCode {
				log.Warn("feed rows resolve to the same registry record, keeping first",
					zap.String("registry_code", registryCode),
					zap.String("kept", prev),
					zap.String("dropped", rec.RawCode))
			}
			continue
		}
		claimed[registryCode] = rec.RawCode
		items = append(items, registry.SyncItem{
			ScrapedCode:  rec.RawCode,
			RegistryCode: registryCode,
			Available:    rec.Available,
			CostPrice:    rec.CostPrice,
		})
	}
	return items
}

// buildAuditRows merges feed records, match results and synchronizer changes
// into audit rows, keeping feed order. Records that produced no change get a
// single row documenting how (or whether) they matched.
func buildAuditRows(records []NormalizedRecord, match internal.CodeMatch, changes []registry.Change) []internal.AuditRow {
	kindBy := make(map[string]internal.MatchKind, len(match.Pairs))
	for _, p := range match.Pairs {
		kindBy[p.ScrapedCode] = p.Kind
	}
	collided := make(map[string]bool, len(match.Collisions))
	for _, c := range match.Collisions {
		collided[c] = true
	}
	changesBy := make(map[string][]registry.Change, len(changes))
	for _, c := range changes {
		changesBy[c.ScrapedCode] = append(changesBy[c.ScrapedCode], c)
	}

	rows := make([]internal.AuditRow, 0, len(records)+len(changes))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if seen[rec.RawCode] {
			continue
		}
		seen[rec.RawCode] = true

		base := internal.AuditRow{
			LineNo:      rec.LineNo,
			Origin:      rec.Origin,
			RawCode:     rec.RawCode,
			Description: rec.Description,
			MatchKind:   string(internal.MatchNone),
		}
		if kind, ok := kindBy[rec.RawCode]; ok {
			base.MatchKind = string(kind)
			if reg, ok := match.Mapping[rec.RawCode]; ok {
				base.RegistryCode = util.StrPtr(reg)
			}
		} else if collided[rec.RawCode] {
			base.Detail = util.StrPtr("canonical key already claimed")
		}

		recChanges := changesBy[rec.RawCode]
		if len(recChanges) == 0 {
			rows = append(rows, base)
			continue
		}
		for _, c := range recChanges {
			row := base
			row.Collection = c.Collection
			row.Action = string(c.Action)
			if c.Before != "" {
				row.Before = util.StrPtr(c.Before)
			}
			if c.After != "" {
				row.After = util.StrPtr(c.After)
			}
			if c.Detail != "" {
				row.Detail = util.StrPtr(c.Detail)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func (s *Service) persistRun(run internal.RunRecord, outcome registry.SyncOutcome) error {
	if s.db == nil {
		return nil
	}

	named := []struct {
		name    string
		outcome registry.CollectionOutcome
	}{
		{"stock", outcome.Stock},
		{"pricing", outcome.Pricing},
		{"rules", outcome.Rules},
	}

	collections := make([]internal.CollectionCounts, 0, len(named))
	var errs []internal.RunError
	for _, col := range named {
		collections = append(collections, countsOf(col.name, col.outcome))
		for i, e := range col.outcome.Errors {
			if i == maxPersistedErrors {
				break
			}
			errs = append(errs, internal.RunError{Collection: col.name, Code: e.Code, Reason: e.Reason})
		}
	}
	return s.db.InsertRun(run, collections, errs)
}

func countsOf(name string, oc registry.CollectionOutcome) internal.CollectionCounts {
	return internal.CollectionCounts{
		Collection:         name,
		Updated:            len(oc.Updated),
		Created:            len(oc.Created),
		Unchanged:          len(oc.Unchanged),
		SkippedKit:         len(oc.SkippedKit),
		SkippedNonStorable: len(oc.SkippedNonStorable),
		Errors:             len(oc.Errors),
	}
}

func scrapedCodes(records []NormalizedRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.RawCode)
	}
	return out
}

func itemCodes(items []registry.SyncItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.RegistryCode)
	}
	return out
}

func limitRecords(records []NormalizedRecord, limit int) []NormalizedRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
