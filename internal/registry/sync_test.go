package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func syncCache() *CachedReferenceData {
	return &CachedReferenceData{
		LocationID: 22,
		SupplierID: 7,
		Products: map[string]ProductInfo{
			"X1": {RecordID: 101, ParentID: 501, Storable: true, UomID: 1},
			"X2": {RecordID: 102, ParentID: 502, Storable: true, IsKit: true, UomID: 1},
			"X3": {RecordID: 103, ParentID: 503, Storable: false, UomID: 1},
			"X4": {RecordID: 104, ParentID: 504, Storable: true, UomID: 1},
			"X5": {RecordID: 105, ParentID: 505, Storable: true, UomID: 1},
		},
		Rules: map[int][]Rule{},
	}
}

// quantExec answers the opening quant read with the given product->quantity
// rows and accepts every write and create.
func quantExec(existing map[int]float64) *fakeExec {
	return &fakeExec{reply: func(model, method string, args []any, kw map[string]any) (any, error) {
		switch method {
		case "search_read":
			rows := []any{}
			quantID := int64(1000)
			for pid, qty := range existing {
				rows = append(rows, map[string]any{
					"id":         quantID + int64(pid),
					"product_id": many2one(int64(pid), "p"),
					"quantity":   qty,
				})
			}
			return rows, nil
		case "write":
			return true, nil
		case "create":
			vals := args[0].([]map[string]any)
			ids := make([]any, 0, len(vals))
			for i := range vals {
				ids = append(ids, int64(9000+i))
			}
			return ids, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
}

func stockOpts() SyncOptions {
	return SyncOptions{Policy: PolicyPassthrough, CreateChunk: 100, Stock: true}
}

func createdProductIDs(exec *fakeExec, model string) []int {
	var out []int
	for _, c := range exec.calls {
		if c.model != model || c.method != "create" {
			continue
		}
		for _, vals := range c.args[0].([]map[string]any) {
			out = append(out, vals["product_id"].(int))
		}
	}
	return out
}

func writtenIDs(exec *fakeExec, model string) [][]int {
	var out [][]int
	for _, c := range exec.calls {
		if c.model == model && c.method == "write" {
			out = append(out, c.args[0].([]int))
		}
	}
	return out
}

func TestSyncStockNeverWritesKits(t *testing.T) {
	exec := quantExec(map[int]float64{101: 1, 102: 1})
	sync := NewSynchronizer(exec, syncCache(), stockOpts(), zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", Available: 3},
		{ScrapedCode: "x2", RegistryCode: "X2", Available: 5},
	})

	if len(outcome.Stock.SkippedKit) != 1 || outcome.Stock.SkippedKit[0] != "X2" {
		t.Fatalf("kit not skipped: %+v", outcome.Stock)
	}
	for _, ids := range writtenIDs(exec, "stock.quant") {
		for _, id := range ids {
			if id == 1000+102 {
				t.Fatalf("stock write touched the kit's quant")
			}
		}
	}
	for _, pid := range createdProductIDs(exec, "stock.quant") {
		if pid == 102 {
			t.Fatalf("stock create touched the kit")
		}
	}
}

func TestSyncStockGroupsWritesByValue(t *testing.T) {
	exec := quantExec(map[int]float64{101: 2, 104: 1, 105: 5})
	sync := NewSynchronizer(exec, syncCache(), stockOpts(), zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", Available: 5},
		{ScrapedCode: "x4", RegistryCode: "X4", Available: 5},
		{ScrapedCode: "x5", RegistryCode: "X5", Available: 5},
	})

	writes := writtenIDs(exec, "stock.quant")
	if len(writes) != 1 {
		t.Fatalf("expected one grouped write, got %d", len(writes))
	}
	if len(writes[0]) != 2 {
		t.Fatalf("grouped write covered %d quants, want 2", len(writes[0]))
	}
	if len(outcome.Stock.Updated) != 2 || len(outcome.Stock.Unchanged) != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome.Stock)
	}
	if outcome.Stock.Unchanged[0] != "X5" {
		t.Fatalf("X5 already holds the target quantity, got %v", outcome.Stock.Unchanged)
	}
}

func TestSyncStockChunkFallbackSavesGoodRecords(t *testing.T) {
	exec := &fakeExec{}
	exec.reply = func(model, method string, args []any, kw map[string]any) (any, error) {
		switch method {
		case "search_read":
			return []any{}, nil
		case "create":
			vals := args[0].([]map[string]any)
			if len(vals) > 1 {
				return nil, fmt.Errorf("chunk rejected")
			}
			if vals[0]["product_id"].(int) == 104 {
				return nil, fmt.Errorf("invalid record")
			}
			return []any{int64(9000)}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	sync := NewSynchronizer(exec, syncCache(), stockOpts(), zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", Available: 2},
		{ScrapedCode: "x4", RegistryCode: "X4", Available: 2},
		{ScrapedCode: "x5", RegistryCode: "X5", Available: 2},
	})

	if len(outcome.Stock.Created) != 2 {
		t.Fatalf("expected 2 created despite one bad record, got %v", outcome.Stock.Created)
	}
	if len(outcome.Stock.Errors) != 1 || outcome.Stock.Errors[0].Code != "X4" {
		t.Fatalf("expected X4 error, got %+v", outcome.Stock.Errors)
	}
}

func TestSyncStockEndToEndPerPolicy(t *testing.T) {
	exec := quantExec(map[int]float64{101: 4})
	sync := NewSynchronizer(exec, syncCache(), stockOpts(), zap.NewNop())

	outcome, changes := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "X1", RegistryCode: "X1", Available: 0},
		{ScrapedCode: "X2", RegistryCode: "X2", Available: 3},
	})

	if len(outcome.Stock.Updated) != 1 || outcome.Stock.Updated[0] != "X1" {
		t.Fatalf("X1 not updated: %+v", outcome.Stock)
	}
	if len(outcome.Stock.SkippedKit) != 1 || outcome.Stock.SkippedKit[0] != "X2" {
		t.Fatalf("X2 not skipped as kit: %+v", outcome.Stock)
	}
	if len(outcome.Stock.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", outcome.Stock.Errors)
	}
	for _, c := range changes {
		if c.RegistryCode == "X1" && c.Action == ActionUpdated {
			if c.Before != "4" || c.After != "0" {
				t.Fatalf("before/after wrong: %+v", c)
			}
		}
	}
}

func TestSyncStockInvertedFlagPolicy(t *testing.T) {
	exec := quantExec(map[int]float64{101: 0, 104: 9})
	opts := stockOpts()
	opts.Policy = PolicyInvertedFlag
	sync := NewSynchronizer(exec, syncCache(), opts, zap.NewNop())

	_, changes := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", Available: 0},
		{ScrapedCode: "x4", RegistryCode: "X4", Available: 12},
	})

	want := map[string]string{"X1": "1", "X4": "0"}
	seen := 0
	for _, c := range changes {
		if c.Action == ActionUpdated {
			if c.After != want[c.RegistryCode] {
				t.Fatalf("%s written as %s, want %s", c.RegistryCode, c.After, want[c.RegistryCode])
			}
			seen++
		}
	}
	if seen != 2 {
		t.Fatalf("expected 2 updates, got %d", seen)
	}
}

func TestSyncStockNonStorableSkipped(t *testing.T) {
	exec := quantExec(nil)
	sync := NewSynchronizer(exec, syncCache(), stockOpts(), zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x3", RegistryCode: "X3", Available: 8},
	})

	if len(outcome.Stock.SkippedNonStorable) != 1 {
		t.Fatalf("non-storable not skipped: %+v", outcome.Stock)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("no eligible items, but %d calls issued", len(exec.calls))
	}
}

func TestSyncPricingSkippedWithoutSupplier(t *testing.T) {
	cache := syncCache()
	cache.SupplierID = 0
	exec := &fakeExec{reply: func(model, method string, args []any, kw map[string]any) (any, error) {
		return nil, fmt.Errorf("should not be called")
	}}
	opts := SyncOptions{Policy: PolicyPassthrough, Pricing: true}
	sync := NewSynchronizer(exec, cache, opts, zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", CostPrice: dec("10")},
	})

	if len(exec.calls) != 0 {
		t.Fatalf("pricing issued calls without a supplier")
	}
	if len(outcome.Pricing.Updated)+len(outcome.Pricing.Created)+len(outcome.Pricing.Errors) != 0 {
		t.Fatalf("expected empty pricing outcome: %+v", outcome.Pricing)
	}
}

func TestSyncPricingUpdateCreateAndMalformed(t *testing.T) {
	exec := &fakeExec{}
	exec.reply = func(model, method string, args []any, kw map[string]any) (any, error) {
		switch method {
		case "search_read":
			return []any{map[string]any{
				"id":              int64(70),
				"product_tmpl_id": many2one(501, "tmpl"),
				"price":           float64(9),
			}}, nil
		case "write":
			return true, nil
		case "create":
			return []any{int64(71)}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	opts := SyncOptions{Policy: PolicyPassthrough, Pricing: true}
	sync := NewSynchronizer(exec, syncCache(), opts, zap.NewNop())

	outcome, changes := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", CostPrice: dec("10.50")},
		{ScrapedCode: "x4", RegistryCode: "X4"},
		{ScrapedCode: "x5", RegistryCode: "X5", CostPrice: dec("3")},
	})

	if len(outcome.Pricing.Updated) != 1 || outcome.Pricing.Updated[0] != "X1" {
		t.Fatalf("X1 price not updated: %+v", outcome.Pricing)
	}
	if len(outcome.Pricing.Created) != 1 || outcome.Pricing.Created[0] != "X5" {
		t.Fatalf("X5 supplier line not created: %+v", outcome.Pricing)
	}
	if len(outcome.Pricing.Errors) != 1 || outcome.Pricing.Errors[0].Code != "X4" {
		t.Fatalf("missing price not reported: %+v", outcome.Pricing.Errors)
	}
	for _, c := range changes {
		if c.RegistryCode == "X1" && c.Action == ActionUpdated {
			if c.Before != "9" || c.After != "10.5" {
				t.Fatalf("price before/after wrong: %+v", c)
			}
		}
	}
}

func TestSyncPricingUnchangedComparesDecimals(t *testing.T) {
	exec := &fakeExec{}
	exec.reply = func(model, method string, args []any, kw map[string]any) (any, error) {
		switch method {
		case "search_read":
			return []any{map[string]any{
				"id":              int64(70),
				"product_tmpl_id": many2one(501, "tmpl"),
				"price":           float64(10.5),
			}}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	opts := SyncOptions{Policy: PolicyPassthrough, Pricing: true}
	sync := NewSynchronizer(exec, syncCache(), opts, zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", CostPrice: dec("10.50")},
	})

	if len(outcome.Pricing.Unchanged) != 1 {
		t.Fatalf("10.50 should equal stored 10.5: %+v", outcome.Pricing)
	}
}

func TestSyncRulesUpdateFromRotation(t *testing.T) {
	cache := syncCache()
	cache.Rules = map[int][]Rule{
		501: {{ID: 9, RecordID: 101, ParentID: 501, LocationID: 22, MinQty: 1, MaxQty: 2, Rotation: 3.2}},
	}
	exec := &fakeExec{}
	exec.reply = func(model, method string, args []any, kw map[string]any) (any, error) {
		switch method {
		case "write":
			return true, nil
		case "create":
			return []any{int64(77)}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	opts := SyncOptions{Policy: PolicyPassthrough, Rules: true, RouteID: 8, WarehouseID: 13}
	sync := NewSynchronizer(exec, cache, opts, zap.NewNop())

	outcome, changes := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", Available: 1},
		{ScrapedCode: "x2", RegistryCode: "X2", Available: 1},
		{ScrapedCode: "x4", RegistryCode: "X4", Available: 1},
	})

	if len(outcome.Rules.Updated) != 1 || outcome.Rules.Updated[0] != "X1" {
		t.Fatalf("rule not updated: %+v", outcome.Rules)
	}
	if len(outcome.Rules.SkippedKit) != 1 {
		t.Fatalf("kit not skipped for rules: %+v", outcome.Rules)
	}
	if len(outcome.Rules.Created) != 1 || outcome.Rules.Created[0] != "X4" {
		t.Fatalf("missing rule not created: %+v", outcome.Rules)
	}

	for _, c := range changes {
		if c.RegistryCode == "X1" && c.Action == ActionUpdated {
			if c.Before != "1/2" || c.After != "4/8" {
				t.Fatalf("rotation 3.2 must yield 4/8, got %s -> %s", c.Before, c.After)
			}
		}
	}

	var createVals map[string]any
	for _, c := range exec.calls {
		if c.model == "stock.warehouse.orderpoint" && c.method == "create" {
			createVals = c.args[0].([]map[string]any)[0]
		}
	}
	if createVals == nil {
		t.Fatalf("no orderpoint create issued")
	}
	if createVals["trigger"] != "manual" || createVals["route_id"] != 8 || createVals["warehouse_id"] != 13 {
		t.Fatalf("create values wrong: %+v", createVals)
	}
	if createVals["product_min_qty"] != 0.0 || createVals["product_max_qty"] != 0.0 {
		t.Fatalf("new rules must start at 0/0: %+v", createVals)
	}
}

func TestSyncRulesSkippedWithoutRoute(t *testing.T) {
	exec := &fakeExec{reply: func(model, method string, args []any, kw map[string]any) (any, error) {
		return nil, fmt.Errorf("should not be called")
	}}
	opts := SyncOptions{Policy: PolicyPassthrough, Rules: true}
	sync := NewSynchronizer(exec, syncCache(), opts, zap.NewNop())

	sync.Run(context.Background(), []SyncItem{{ScrapedCode: "x1", RegistryCode: "X1"}})
	if len(exec.calls) != 0 {
		t.Fatalf("rules ran without route and warehouse configured")
	}
}

func TestSyncDryRunIssuesNoMutations(t *testing.T) {
	exec := quantExec(map[int]float64{101: 2})
	opts := stockOpts()
	opts.DryRun = true
	sync := NewSynchronizer(exec, syncCache(), opts, zap.NewNop())

	outcome, _ := sync.Run(context.Background(), []SyncItem{
		{ScrapedCode: "x1", RegistryCode: "X1", Available: 5},
		{ScrapedCode: "x4", RegistryCode: "X4", Available: 5},
	})

	for _, c := range exec.calls {
		if c.method == "write" || c.method == "create" {
			t.Fatalf("dry run issued %s on %s", c.method, c.model)
		}
	}
	if len(outcome.Stock.Updated) != 1 || len(outcome.Stock.Created) != 1 {
		t.Fatalf("dry run should still report planned actions: %+v", outcome.Stock)
	}
}

func TestAvailabilityPolicy(t *testing.T) {
	cases := []struct {
		policy   AvailabilityPolicy
		reported float64
		want     float64
	}{
		{policy: PolicyPassthrough, reported: 7, want: 7},
		{policy: PolicyPassthrough, reported: 7.9, want: 7},
		{policy: PolicyPassthrough, reported: -2, want: 0},
		{policy: PolicyInvertedFlag, reported: 0, want: 1},
		{policy: PolicyInvertedFlag, reported: 3, want: 0},
		{policy: PolicyInvertedFlag, reported: -1, want: 1},
	}
	for _, tc := range cases {
		if got := tc.policy.Apply(tc.reported); got != tc.want {
			t.Fatalf("%s(%v) = %v want %v", tc.policy, tc.reported, got, tc.want)
		}
	}
}

func TestParseAvailabilityPolicy(t *testing.T) {
	if _, err := ParseAvailabilityPolicy(""); err == nil {
		t.Fatalf("empty policy must be rejected")
	}
	if _, err := ParseAvailabilityPolicy("sometimes"); err == nil {
		t.Fatalf("unknown policy must be rejected")
	}
	if p, err := ParseAvailabilityPolicy("inverted_flag"); err != nil || p != PolicyInvertedFlag {
		t.Fatalf("got %v, %v", p, err)
	}
}
