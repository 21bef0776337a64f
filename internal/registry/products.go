package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// detailBatchSize caps one product detail read. Large id lists go out in
// several read calls instead of one oversized request.
const detailBatchSize = 200

// ProbeTarget is one registry product the portal probe should look up.
type ProbeTarget struct {
	Code     string
	RecordID int
	ParentID int
	Storable bool
}

// SupplierProducts selects the products whose stock the portal is
// authoritative for: every product whose primary supplier line is the target
// partner, plus products led by the alternate partner that carry the target
// as a secondary line. The lowest sequence on a template decides primacy.
func (l *Loader) SupplierProducts(ctx context.Context, supplier, altSupplier string) ([]ProbeTarget, error) {
	supplierID, err := l.ResolveSupplier(ctx, supplier)
	if err != nil {
		return nil, err
	}
	if supplierID == 0 {
		return nil, fmt.Errorf("select supplier products: supplier %q not found", supplier)
	}
	altID, err := l.ResolveSupplier(ctx, altSupplier)
	if err != nil {
		return nil, err
	}

	partnerIDs := []int{supplierID}
	if altID != 0 && altID != supplierID {
		partnerIDs = append(partnerIDs, altID)
	}
	rows, err := SearchRead(ctx, l.exec, "product.supplierinfo",
		[]any{[]any{"partner_id", "in", partnerIDs}},
		[]string{"product_tmpl_id", "partner_id", "sequence"})
	if err != nil {
		return nil, fmt.Errorf("select supplier products: %w", err)
	}

	type supplierLine struct {
		partnerID int
		sequence  int
	}
	lines := make(map[int][]supplierLine, len(rows))
	for _, row := range rows {
		tmpl := refID(row["product_tmpl_id"])
		if tmpl == 0 {
			continue
		}
		lines[tmpl] = append(lines[tmpl], supplierLine{
			partnerID: refID(row["partner_id"]),
			sequence:  toInt(row["sequence"]),
		})
	}

	templates := make([]int, 0, len(lines))
	for tmpl, ls := range lines {
		sort.SliceStable(ls, func(i, j int) bool { return ls[i].sequence < ls[j].sequence })
		switch {
		case ls[0].partnerID == supplierID:
			templates = append(templates, tmpl)
		case altID != 0 && ls[0].partnerID == altID:
			for _, line := range ls[1:] {
				if line.partnerID == supplierID {
					templates = append(templates, tmpl)
					break
				}
			}
		}
	}
	sort.Ints(templates)
	if len(templates) == 0 {
		l.log.Warn("no products led by supplier", zap.String("supplier", supplier))
		return nil, nil
	}

	ids, err := Search(ctx, l.exec, "product.product", []any{[]any{"product_tmpl_id", "in", templates}})
	if err != nil {
		return nil, fmt.Errorf("select supplier products: %w", err)
	}
	sort.Ints(ids)

	targets := make([]ProbeTarget, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += detailBatchSize {
		end := start + detailBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		details, err := Read(ctx, l.exec, "product.product", ids[start:end],
			[]string{"id", "default_code", "product_tmpl_id", "type"})
		if err != nil {
			return nil, fmt.Errorf("read product details: %w", err)
		}
		for _, row := range details {
			code := strings.TrimSpace(toStr(row["default_code"]))
			if code == "" {
				continue
			}
			if seen[code] {
				l.log.Warn("registry holds duplicate product code, keeping first", zap.String("code", code))
				continue
			}
			seen[code] = true
			targets = append(targets, ProbeTarget{
				Code:     code,
				RecordID: toInt(row["id"]),
				ParentID: refID(row["product_tmpl_id"]),
				Storable: toStr(row["type"]) == "product",
			})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Code < targets[j].Code })

	l.log.Info("supplier products selected",
		zap.String("supplier", supplier),
		zap.Int("templates", len(templates)),
		zap.Int("targets", len(targets)))
	return targets, nil
}

// ListCodes pulls every product code in the registry in one bulk read. The
// matcher needs the full code universe; anything without a code is invisible
// to matching anyway.
func (l *Loader) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := SearchRead(ctx, l.exec, "product.product",
		[]any{[]any{"default_code", "!=", false}},
		[]string{"default_code"})
	if err != nil {
		return nil, fmt.Errorf("list registry codes: %w", err)
	}
	codes := make([]string, 0, len(rows))
	for _, row := range rows {
		if code := strings.TrimSpace(toStr(row["default_code"])); code != "" {
			codes = append(codes, code)
		}
	}
	return codes, nil
}
