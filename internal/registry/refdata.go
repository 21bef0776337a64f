package registry

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ProductInfo is the per-code slice of reference data the synchronizer
// works from.
type ProductInfo struct {
	RecordID int
	ParentID int
	Storable bool
	IsKit    bool
	UomID    int
}

// Rule is one existing replenishment rule.
type Rule struct {
	ID         int
	RecordID   int
	ParentID   int
	LocationID int
	MinQty     float64
	MaxQty     float64
	Rotation   float64
}

// CachedReferenceData is the read snapshot one synchronization pass works
// from. It is built once, before any mutation, and must not be refreshed or
// written to mid-pass; concurrent registry edits by other processes go
// unnoticed until the next run.
type CachedReferenceData struct {
	LocationID int
	SupplierID int
	Products   map[string]ProductInfo
	Rules      map[int][]Rule
}

// Clear drops the snapshot so a stale cache cannot leak into a later pass.
func (c *CachedReferenceData) Clear() {
	c.LocationID = 0
	c.SupplierID = 0
	c.Products = nil
	c.Rules = nil
}

// Loader resolves everything the synchronizer needs in a fixed number of
// bulk calls. Every preload is a single round trip no matter how many codes
// or ids go in.
type Loader struct {
	exec Executor
	log  *zap.Logger
}

func NewLoader(exec Executor, log *zap.Logger) *Loader {
	return &Loader{exec: exec, log: log}
}

// Load builds the full snapshot: location, supplier, product info, kit
// flags, existing rules. An unresolvable location aborts the pass since no
// stock mutation is meaningful without it; a missing supplier resolves to
// zero and only disables pricing updates.
func (l *Loader) Load(ctx context.Context, locationName, supplierName string, codes []string) (*CachedReferenceData, error) {
	locationID, err := l.ResolveLocation(ctx, locationName)
	if err != nil {
		return nil, err
	}
	supplierID, err := l.ResolveSupplier(ctx, supplierName)
	if err != nil {
		return nil, err
	}

	products, err := l.ProductInfo(ctx, codes)
	if err != nil {
		return nil, err
	}

	parentIDs := make([]int, 0, len(products))
	recordIDs := make([]int, 0, len(products))
	seenParents := make(map[int]bool, len(products))
	for _, info := range products {
		recordIDs = append(recordIDs, info.RecordID)
		if !seenParents[info.ParentID] {
			seenParents[info.ParentID] = true
			parentIDs = append(parentIDs, info.ParentID)
		}
	}
	sort.Ints(parentIDs)
	sort.Ints(recordIDs)

	kits, err := l.KitParents(ctx, parentIDs)
	if err != nil {
		return nil, err
	}
	for code, info := range products {
		if kits[info.ParentID] {
			info.IsKit = true
			products[code] = info
		}
	}

	rules, err := l.ExistingRules(ctx, parentIDs, recordIDs)
	if err != nil {
		return nil, err
	}

	l.log.Info("reference data loaded",
		zap.Int("location_id", locationID),
		zap.Int("supplier_id", supplierID),
		zap.Int("products", len(products)),
		zap.Int("kit_parents", len(kits)),
		zap.Int("rule_parents", len(rules)))

	return &CachedReferenceData{
		LocationID: locationID,
		SupplierID: supplierID,
		Products:   products,
		Rules:      rules,
	}, nil
}

// ResolveLocation translates the configured stock location into its id.
func (l *Loader) ResolveLocation(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("resolve location: no location configured")
	}
	rows, err := SearchRead(ctx, l.exec, "stock.location", []any{[]any{"complete_name", "=", name}}, []string{"id"})
	if err != nil {
		return 0, fmt.Errorf("resolve location %q: %w", name, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("resolve location %q: not found", name)
	}
	if len(rows) > 1 {
		l.log.Warn("location name is ambiguous, using first hit", zap.String("location", name), zap.Int("hits", len(rows)))
	}
	return toInt(rows[0]["id"]), nil
}

// ResolveSupplier translates the configured partner name into its id.
// Missing partner is tolerated: pricing updates are skipped downstream.
func (l *Loader) ResolveSupplier(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	rows, err := SearchRead(ctx, l.exec, "res.partner", []any{[]any{"name", "=", name}}, []string{"id"})
	if err != nil {
		return 0, fmt.Errorf("resolve supplier %q: %w", name, err)
	}
	if len(rows) == 0 {
		l.log.Warn("supplier not found in registry", zap.String("supplier", name))
		return 0, nil
	}
	return toInt(rows[0]["id"]), nil
}

// ProductInfo bulk-reads the registry products behind the matched codes.
func (l *Loader) ProductInfo(ctx context.Context, codes []string) (map[string]ProductInfo, error) {
	out := make(map[string]ProductInfo, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := SearchRead(ctx, l.exec, "product.product",
		[]any{[]any{"default_code", "in", codes}},
		[]string{"id", "default_code", "product_tmpl_id", "type", "uom_id"})
	if err != nil {
		return nil, fmt.Errorf("preload product info: %w", err)
	}
	for _, row := range rows {
		code := toStr(row["default_code"])
		if code == "" {
			continue
		}
		if _, dup := out[code]; dup {
			l.log.Warn("registry holds duplicate product code, keeping first", zap.String("code", code))
			continue
		}
		out[code] = ProductInfo{
			RecordID: toInt(row["id"]),
			ParentID: refID(row["product_tmpl_id"]),
			Storable: toStr(row["type"]) == "product",
			UomID:    refID(row["uom_id"]),
		}
	}
	return out, nil
}

// KitParents flags the parents whose stock is assembled from components.
// Writing stock directly to those is forbidden.
func (l *Loader) KitParents(ctx context.Context, parentIDs []int) (map[int]bool, error) {
	out := make(map[int]bool)
	if len(parentIDs) == 0 {
		return out, nil
	}
	rows, err := SearchRead(ctx, l.exec, "mrp.bom",
		[]any{[]any{"product_tmpl_id", "in", parentIDs}, []any{"type", "=", "phantom"}},
		[]string{"product_tmpl_id"})
	if err != nil {
		return nil, fmt.Errorf("preload kit flags: %w", err)
	}
	for _, row := range rows {
		if id := refID(row["product_tmpl_id"]); id != 0 {
			out[id] = true
		}
	}
	return out, nil
}

// ExistingRules unions the rule lookups by parent id and by record id in one
// round trip, de-duplicated by rule id and grouped by parent.
func (l *Loader) ExistingRules(ctx context.Context, parentIDs, recordIDs []int) (map[int][]Rule, error) {
	out := make(map[int][]Rule)
	if len(parentIDs) == 0 && len(recordIDs) == 0 {
		return out, nil
	}
	rows, err := SearchRead(ctx, l.exec, "stock.warehouse.orderpoint",
		[]any{"|", []any{"product_id", "in", recordIDs}, []any{"product_tmpl_id", "in", parentIDs}},
		[]string{"id", "product_id", "product_tmpl_id", "location_id", "product_min_qty", "product_max_qty", "warehouse_rotation"})
	if err != nil {
		return nil, fmt.Errorf("preload existing rules: %w", err)
	}
	seen := make(map[int]bool, len(rows))
	for _, row := range rows {
		rule := Rule{
			ID:         toInt(row["id"]),
			RecordID:   refID(row["product_id"]),
			ParentID:   refID(row["product_tmpl_id"]),
			LocationID: refID(row["location_id"]),
			MinQty:     toFloat(row["product_min_qty"]),
			MaxQty:     toFloat(row["product_max_qty"]),
			Rotation:   toFloat(row["warehouse_rotation"]),
		}
		if rule.ID == 0 || seen[rule.ID] {
			continue
		}
		seen[rule.ID] = true
		out[rule.ParentID] = append(out[rule.ParentID], rule)
	}
	for parent := range out {
		sort.Slice(out[parent], func(i, j int) bool { return out[parent][i].ID < out[parent][j].ID })
	}
	return out, nil
}
