package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Action string

const (
	ActionUpdated            Action = "updated"
	ActionCreated            Action = "created"
	ActionUnchanged          Action = "unchanged"
	ActionSkippedKit         Action = "skipped_as_kit"
	ActionSkippedNonStorable Action = "skipped_non_storable"
	ActionError              Action = "error"
)

// SyncItem is one matched feed row ready for synchronization. The pipeline
// guarantees registry codes are unique within the item list.
type SyncItem struct {
	ScrapedCode  string
	RegistryCode string
	Available    float64
	CostPrice    *decimal.Decimal
}

// Change records what happened to one item in one collection. Before and
// After hold printable values for the audit artifact; empty means absent.
type Change struct {
	Collection   string
	ScrapedCode  string
	RegistryCode string
	RecordID     int
	Action       Action
	Before       string
	After        string
	Detail       string
}

type ItemError struct {
	Code   string
	Reason string
}

// CollectionOutcome lists one collection's results by category.
type CollectionOutcome struct {
	Updated            []string
	Created            []string
	Unchanged          []string
	SkippedKit         []string
	SkippedNonStorable []string
	Errors             []ItemError
}

// SyncOutcome aggregates the three collections of one run.
type SyncOutcome struct {
	Stock   CollectionOutcome
	Pricing CollectionOutcome
	Rules   CollectionOutcome
}

type SyncOptions struct {
	Policy      AvailabilityPolicy
	CreateChunk int
	RouteID     int
	WarehouseID int
	Stock       bool
	Pricing     bool
	Rules       bool
	DryRun      bool
}

// Synchronizer applies batched mutations using only the cached reference
// data. It never issues per-item lookups mid-pass: each collection opens
// with one bulk read of its existing records and everything after that is
// grouped writes and chunked creates.
type Synchronizer struct {
	exec  Executor
	cache *CachedReferenceData
	opts  SyncOptions
	log   *zap.Logger
}

func NewSynchronizer(exec Executor, cache *CachedReferenceData, opts SyncOptions, log *zap.Logger) *Synchronizer {
	if opts.CreateChunk <= 0 {
		opts.CreateChunk = 100
	}
	return &Synchronizer{exec: exec, cache: cache, opts: opts, log: log}
}

// Run applies the enabled collections in fixed order: stock, then pricing,
// then rules. Writes stay sequential so the mutation history of a run reads
// in one predictable order. A failed item never aborts its batch.
func (s *Synchronizer) Run(ctx context.Context, items []SyncItem) (SyncOutcome, []Change) {
	var outcome SyncOutcome
	var all []Change
	if s.opts.Stock {
		changes := s.syncStock(ctx, items)
		outcome.Stock = outcomeOf(changes)
		all = append(all, changes...)
	}
	if s.opts.Pricing {
		changes := s.syncPricing(ctx, items)
		outcome.Pricing = outcomeOf(changes)
		all = append(all, changes...)
	}
	if s.opts.Rules {
		changes := s.syncRules(ctx, items)
		outcome.Rules = outcomeOf(changes)
		all = append(all, changes...)
	}
	return outcome, all
}

type pendingItem struct {
	item   SyncItem
	info   ProductInfo
	target float64
}

func (s *Synchronizer) syncStock(ctx context.Context, items []SyncItem) []Change {
	changes := make([]Change, 0, len(items))

	eligible := make([]pendingItem, 0, len(items))
	for _, item := range items {
		info, ok := s.cache.Products[item.RegistryCode]
		if !ok {
			changes = append(changes, errChange("stock", item, 0, "no cached product info"))
			continue
		}
		if info.IsKit {
			changes = append(changes, skipChange("stock", item, info.RecordID, ActionSkippedKit))
			continue
		}
		if !info.Storable {
			changes = append(changes, skipChange("stock", item, info.RecordID, ActionSkippedNonStorable))
			continue
		}
		eligible = append(eligible, pendingItem{item: item, info: info, target: s.opts.Policy.Apply(item.Available)})
	}
	if len(eligible) == 0 {
		return changes
	}

	recordIDs := make([]int, 0, len(eligible))
	for _, p := range eligible {
		recordIDs = append(recordIDs, p.info.RecordID)
	}
	sort.Ints(recordIDs)

	rows, err := SearchRead(ctx, s.exec, "stock.quant",
		[]any{[]any{"location_id", "=", s.cache.LocationID}, []any{"product_id", "in", recordIDs}},
		[]string{"id", "product_id", "quantity"})
	if err != nil {
		s.log.Error("stock: reading existing quants failed", zap.Error(err))
		for _, p := range eligible {
			changes = append(changes, errChange("stock", p.item, p.info.RecordID, fmt.Sprintf("read existing quants: %v", err)))
		}
		return changes
	}

	type quant struct {
		id  int
		qty float64
	}
	quants := make(map[int]quant, len(rows))
	for _, row := range rows {
		pid := refID(row["product_id"])
		if _, dup := quants[pid]; dup {
			s.log.Warn("product has several quants at location, keeping first", zap.Int("product_id", pid))
			continue
		}
		quants[pid] = quant{id: toInt(row["id"]), qty: toFloat(row["quantity"])}
	}

	type writeItem struct {
		pendingItem
		quantID int
		before  float64
	}
	groups := make(map[float64][]writeItem)
	var creates []pendingItem
	for _, p := range eligible {
		q, ok := quants[p.info.RecordID]
		if !ok {
			creates = append(creates, p)
			continue
		}
		if q.qty == p.target {
			changes = append(changes, Change{
				Collection: "stock", ScrapedCode: p.item.ScrapedCode, RegistryCode: p.item.RegistryCode,
				RecordID: p.info.RecordID, Action: ActionUnchanged, Before: fstr(q.qty), After: fstr(p.target),
			})
			continue
		}
		groups[p.target] = append(groups[p.target], writeItem{pendingItem: p, quantID: q.id, before: q.qty})
	}

	// one write per distinct quantity
	targets := make([]float64, 0, len(groups))
	for v := range groups {
		targets = append(targets, v)
	}
	sort.Float64s(targets)
	for _, v := range targets {
		members := groups[v]
		ids := make([]int, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.quantID)
		}
		err := s.write(ctx, "stock.quant", ids, map[string]any{"quantity": v})
		for _, m := range members {
			if err != nil {
				changes = append(changes, errChange("stock", m.item, m.info.RecordID, err.Error()))
				continue
			}
			changes = append(changes, Change{
				Collection: "stock", ScrapedCode: m.item.ScrapedCode, RegistryCode: m.item.RegistryCode,
				RecordID: m.info.RecordID, Action: ActionUpdated, Before: fstr(m.before), After: fstr(v),
			})
		}
	}

	s.createChunked(ctx, "stock", "stock.quant", creates, &changes, func(p pendingItem) map[string]any {
		return map[string]any{
			"product_id":  p.info.RecordID,
			"location_id": s.cache.LocationID,
			"quantity":    p.target,
		}
	})

	return changes
}

func (s *Synchronizer) syncPricing(ctx context.Context, items []SyncItem) []Change {
	if s.cache.SupplierID == 0 {
		s.log.Warn("pricing: supplier unresolved in registry, collection skipped")
		return nil
	}
	changes := make([]Change, 0, len(items))

	eligible := make([]pendingItem, 0, len(items))
	seenParents := make(map[int]bool)
	for _, item := range items {
		info, ok := s.cache.Products[item.RegistryCode]
		if !ok {
			changes = append(changes, errChange("pricing", item, 0, "no cached product info"))
			continue
		}
		if item.CostPrice == nil {
			changes = append(changes, errChange("pricing", item, info.RecordID, "missing or malformed cost price"))
			continue
		}
		if seenParents[info.ParentID] {
			changes = append(changes, Change{
				Collection: "pricing", ScrapedCode: item.ScrapedCode, RegistryCode: item.RegistryCode,
				RecordID: info.RecordID, Action: ActionUnchanged, Detail: "variant shares the supplier line of an earlier item",
			})
			continue
		}
		seenParents[info.ParentID] = true
		eligible = append(eligible, pendingItem{item: item, info: info})
	}
	if len(eligible) == 0 {
		return changes
	}

	parentIDs := make([]int, 0, len(eligible))
	for _, p := range eligible {
		parentIDs = append(parentIDs, p.info.ParentID)
	}
	sort.Ints(parentIDs)

	rows, err := SearchRead(ctx, s.exec, "product.supplierinfo",
		[]any{[]any{"partner_id", "=", s.cache.SupplierID}, []any{"product_tmpl_id", "in", parentIDs}},
		[]string{"id", "product_tmpl_id", "price"})
	if err != nil {
		s.log.Error("pricing: reading supplier lines failed", zap.Error(err))
		for _, p := range eligible {
			changes = append(changes, errChange("pricing", p.item, p.info.RecordID, fmt.Sprintf("read supplier lines: %v", err)))
		}
		return changes
	}

	type line struct {
		id    int
		price decimal.Decimal
	}
	lines := make(map[int]line, len(rows))
	for _, row := range rows {
		parent := refID(row["product_tmpl_id"])
		if _, dup := lines[parent]; dup {
			continue
		}
		lines[parent] = line{id: toInt(row["id"]), price: decimal.NewFromFloat(toFloat(row["price"]))}
	}

	type writeLine struct {
		pendingItem
		lineID int
		before decimal.Decimal
		target decimal.Decimal
	}
	groups := make(map[string][]writeLine)
	var creates []pendingItem
	for _, p := range eligible {
		target := *p.item.CostPrice
		ln, ok := lines[p.info.ParentID]
		if !ok {
			creates = append(creates, p)
			continue
		}
		if ln.price.Equal(target) {
			changes = append(changes, Change{
				Collection: "pricing", ScrapedCode: p.item.ScrapedCode, RegistryCode: p.item.RegistryCode,
				RecordID: p.info.RecordID, Action: ActionUnchanged, Before: ln.price.String(), After: target.String(),
			})
			continue
		}
		groups[target.String()] = append(groups[target.String()], writeLine{pendingItem: p, lineID: ln.id, before: ln.price, target: target})
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		members := groups[k]
		ids := make([]int, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.lineID)
		}
		err := s.write(ctx, "product.supplierinfo", ids, map[string]any{"price": members[0].target.InexactFloat64()})
		for _, m := range members {
			if err != nil {
				changes = append(changes, errChange("pricing", m.item, m.info.RecordID, err.Error()))
				continue
			}
			changes = append(changes, Change{
				Collection: "pricing", ScrapedCode: m.item.ScrapedCode, RegistryCode: m.item.RegistryCode,
				RecordID: m.info.RecordID, Action: ActionUpdated, Before: m.before.String(), After: m.target.String(),
			})
		}
	}

	s.createChunked(ctx, "pricing", "product.supplierinfo", creates, &changes, func(p pendingItem) map[string]any {
		return map[string]any{
			"partner_id":      s.cache.SupplierID,
			"product_tmpl_id": p.info.ParentID,
			"price":           p.item.CostPrice.InexactFloat64(),
		}
	})

	return changes
}

func (s *Synchronizer) syncRules(ctx context.Context, items []SyncItem) []Change {
	if s.opts.RouteID == 0 || s.opts.WarehouseID == 0 {
		s.log.Warn("rules: route or warehouse not configured, collection skipped")
		return nil
	}
	changes := make([]Change, 0, len(items))

	// index existing rules at the target location, lowest rule id wins
	var flat []Rule
	for _, rules := range s.cache.Rules {
		flat = append(flat, rules...)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].ID < flat[j].ID })
	ruleAt := make(map[int]Rule, len(flat))
	for _, r := range flat {
		if r.LocationID != s.cache.LocationID {
			continue
		}
		if _, dup := ruleAt[r.RecordID]; dup {
			continue
		}
		ruleAt[r.RecordID] = r
	}

	type writeRule struct {
		pendingItem
		rule   Rule
		newMin float64
		newMax float64
	}
	groups := make(map[[2]float64][]writeRule)
	var creates []pendingItem
	for _, item := range items {
		info, ok := s.cache.Products[item.RegistryCode]
		if !ok {
			changes = append(changes, errChange("rules", item, 0, "no cached product info"))
			continue
		}
		if info.IsKit {
			changes = append(changes, skipChange("rules", item, info.RecordID, ActionSkippedKit))
			continue
		}

		rule, ok := ruleAt[info.RecordID]
		if !ok {
			creates = append(creates, pendingItem{item: item, info: info})
			continue
		}
		if rule.Rotation <= 0 {
			changes = append(changes, Change{
				Collection: "rules", ScrapedCode: item.ScrapedCode, RegistryCode: item.RegistryCode,
				RecordID: info.RecordID, Action: ActionUnchanged,
				Before: minMax(rule.MinQty, rule.MaxQty), After: minMax(rule.MinQty, rule.MaxQty),
				Detail: "rotation not set",
			})
			continue
		}
		newMin := math.Ceil(rule.Rotation)
		newMax := newMin * 2
		if rule.MinQty == newMin && rule.MaxQty == newMax {
			changes = append(changes, Change{
				Collection: "rules", ScrapedCode: item.ScrapedCode, RegistryCode: item.RegistryCode,
				RecordID: info.RecordID, Action: ActionUnchanged, Before: minMax(rule.MinQty, rule.MaxQty), After: minMax(newMin, newMax),
			})
			continue
		}
		groups[[2]float64{newMin, newMax}] = append(groups[[2]float64{newMin, newMax}], writeRule{
			pendingItem: pendingItem{item: item, info: info}, rule: rule, newMin: newMin, newMax: newMax,
		})
	}

	pairs := make([][2]float64, 0, len(groups))
	for k := range groups {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, k := range pairs {
		members := groups[k]
		ids := make([]int, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.rule.ID)
		}
		err := s.write(ctx, "stock.warehouse.orderpoint", ids, map[string]any{
			"product_min_qty": k[0],
			"product_max_qty": k[1],
		})
		for _, m := range members {
			if err != nil {
				changes = append(changes, errChange("rules", m.item, m.info.RecordID, err.Error()))
				continue
			}
			changes = append(changes, Change{
				Collection: "rules", ScrapedCode: m.item.ScrapedCode, RegistryCode: m.item.RegistryCode,
				RecordID: m.info.RecordID, Action: ActionUpdated,
				Before: minMax(m.rule.MinQty, m.rule.MaxQty), After: minMax(m.newMin, m.newMax),
			})
		}
	}

	s.createChunked(ctx, "rules", "stock.warehouse.orderpoint", creates, &changes, func(p pendingItem) map[string]any {
		vals := map[string]any{
			"product_id":      p.info.RecordID,
			"location_id":     s.cache.LocationID,
			"warehouse_id":    s.opts.WarehouseID,
			"product_min_qty": 0.0,
			"product_max_qty": 0.0,
			"trigger":         "manual",
			"route_id":        s.opts.RouteID,
		}
		if p.info.UomID != 0 {
			vals["product_uom"] = p.info.UomID
		}
		return vals
	})

	return changes
}

// createChunked issues creates in fixed-size chunks. A failed chunk falls
// back to per-item creation so one bad record cannot void its whole chunk.
func (s *Synchronizer) createChunked(ctx context.Context, collection, model string, creates []pendingItem, changes *[]Change, build func(pendingItem) map[string]any) {
	for start := 0; start < len(creates); start += s.opts.CreateChunk {
		end := min(start+s.opts.CreateChunk, len(creates))
		chunk := creates[start:end]
		vals := make([]map[string]any, 0, len(chunk))
		for _, p := range chunk {
			vals = append(vals, build(p))
		}

		err := s.create(ctx, model, vals)
		if err == nil {
			for _, p := range chunk {
				*changes = append(*changes, createdChange(collection, p))
			}
			continue
		}
		s.log.Warn("chunk create failed, retrying items one by one",
			zap.String("collection", collection), zap.Int("chunk_size", len(chunk)), zap.Error(err))

		for i, p := range chunk {
			if err := s.create(ctx, model, vals[i:i+1]); err != nil {
				*changes = append(*changes, errChange(collection, p.item, p.info.RecordID, err.Error()))
				continue
			}
			*changes = append(*changes, createdChange(collection, p))
		}
	}
}

func (s *Synchronizer) write(ctx context.Context, model string, ids []int, values map[string]any) error {
	if s.opts.DryRun {
		s.log.Info("dry-run: skipping write", zap.String("model", model), zap.Int("records", len(ids)))
		return nil
	}
	return Write(ctx, s.exec, model, ids, values)
}

func (s *Synchronizer) create(ctx context.Context, model string, values []map[string]any) error {
	if s.opts.DryRun {
		s.log.Info("dry-run: skipping create", zap.String("model", model), zap.Int("records", len(values)))
		return nil
	}
	_, err := Create(ctx, s.exec, model, values)
	return err
}

func createdChange(collection string, p pendingItem) Change {
	after := ""
	switch collection {
	case "stock":
		after = fstr(p.target)
	case "pricing":
		if p.item.CostPrice != nil {
			after = p.item.CostPrice.String()
		}
	case "rules":
		after = minMax(0, 0)
	}
	return Change{
		Collection: collection, ScrapedCode: p.item.ScrapedCode, RegistryCode: p.item.RegistryCode,
		RecordID: p.info.RecordID, Action: ActionCreated, After: after,
	}
}

func errChange(collection string, item SyncItem, recordID int, detail string) Change {
	return Change{
		Collection: collection, ScrapedCode: item.ScrapedCode, RegistryCode: item.RegistryCode,
		RecordID: recordID, Action: ActionError, Detail: detail,
	}
}

func skipChange(collection string, item SyncItem, recordID int, action Action) Change {
	return Change{
		Collection: collection, ScrapedCode: item.ScrapedCode, RegistryCode: item.RegistryCode,
		RecordID: recordID, Action: action,
	}
}

func outcomeOf(changes []Change) CollectionOutcome {
	var out CollectionOutcome
	for _, c := range changes {
		switch c.Action {
		case ActionUpdated:
			out.Updated = append(out.Updated, c.RegistryCode)
		case ActionCreated:
			out.Created = append(out.Created, c.RegistryCode)
		case ActionUnchanged:
			out.Unchanged = append(out.Unchanged, c.RegistryCode)
		case ActionSkippedKit:
			out.SkippedKit = append(out.SkippedKit, c.RegistryCode)
		case ActionSkippedNonStorable:
			out.SkippedNonStorable = append(out.SkippedNonStorable, c.RegistryCode)
		case ActionError:
			out.Errors = append(out.Errors, ItemError{Code: c.RegistryCode, Reason: c.Detail})
		}
	}
	return out
}

func fstr(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func minMax(minQty, maxQty float64) string {
	return fstr(minQty) + "/" + fstr(maxQty)
}
