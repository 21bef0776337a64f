package supplier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"partsync/internal/config"
	"partsync/internal/retry"
)

// ProbeReport is everything one probe pass learned from the portal. Stock
// carries an entry for every probed code; codes the portal does not know
// report zero, which the stock pass then writes out. The scraping location
// mirrors the portal, absence included.
type ProbeReport struct {
	Stock             map[string]float64
	NotFound          []string
	FoundWithoutStock []string
	Failed            []string
}

// Prober fans code lookups out over a bounded worker pool. Workers share one
// rate limiter but each runs its own forked session.
type Prober struct {
	cfg     config.Config
	session *Session
	limiter *RateLimiter
	retry   retry.Config
	log     *zap.Logger
}

func NewProber(cfg config.Config, session *Session, log *zap.Logger) *Prober {
	return &Prober{
		cfg:     cfg,
		session: session,
		limiter: NewRateLimiter(time.Duration(cfg.PortalDelayMs) * time.Millisecond),
		retry: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		},
		log: log,
	}
}

// Run probes every code, then gives not-found codes a slower sequential
// second chance. Lookup failures count as not found; the second pass often
// recovers them.
func (p *Prober) Run(ctx context.Context, codes []string) (*ProbeReport, error) {
	report := &ProbeReport{Stock: make(map[string]float64, len(codes))}

	workers := p.cfg.ProbeWorkers
	if workers <= 0 {
		workers = 1
	}
	p.log.Info("probing portal", zap.Int("codes", len(codes)), zap.Int("workers", workers))

	var mu sync.Mutex
	processed := 0

	jobs := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, code := range codes {
			select {
			case jobs <- code:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			session, err := p.session.Fork()
			if err != nil {
				return err
			}
			searcher := NewSearcher(session, p.limiter, p.retry, p.cfg.ProbeEmptyRetries, p.log)
			for code := range jobs {
				stock, found, err := searcher.Lookup(gctx, code)
				if gctx.Err() != nil {
					return gctx.Err()
				}

				mu.Lock()
				switch {
				case err != nil:
					p.log.Debug("portal lookup failed", zap.String("code", code), zap.Error(err))
					report.Failed = append(report.Failed, code)
					report.NotFound = append(report.NotFound, code)
					report.Stock[code] = 0
				case found:
					report.Stock[code] = stock
					if stock <= 0 {
						report.FoundWithoutStock = append(report.FoundWithoutStock, code)
					}
				default:
					report.NotFound = append(report.NotFound, code)
					report.Stock[code] = 0
				}
				processed++
				if processed%100 == 0 || processed == len(codes) {
					p.log.Info("probe progress",
						zap.Int("processed", processed),
						zap.Int("total", len(codes)),
						zap.Int("not_found", len(report.NotFound)))
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(report.Failed) > 0 {
		p.log.Warn("lookups failed during first pass", zap.Int("codes", len(report.Failed)))
	}
	if len(report.NotFound) > 0 {
		p.retryNotFound(ctx, report)
	}

	sort.Strings(report.NotFound)
	sort.Strings(report.FoundWithoutStock)
	sort.Strings(report.Failed)
	return report, nil
}

// retryNotFound re-runs the misses one by one on the primary session. A
// recovered code moves from NotFound into Stock.
func (p *Prober) retryNotFound(ctx context.Context, report *ProbeReport) {
	p.log.Info("second pass over not-found codes", zap.Int("codes", len(report.NotFound)))
	searcher := NewSearcher(p.session, p.limiter, p.retry, p.cfg.ProbeEmptyRetries, p.log)

	still := make([]string, 0, len(report.NotFound))
	recovered := 0
	for i, code := range report.NotFound {
		if ctx.Err() != nil {
			still = append(still, report.NotFound[i:]...)
			break
		}
		stock, found, err := searcher.Lookup(ctx, code)
		if err != nil || !found {
			still = append(still, code)
			continue
		}
		report.Stock[code] = stock
		recovered++
		if stock <= 0 {
			report.FoundWithoutStock = append(report.FoundWithoutStock, code)
		}
	}
	report.NotFound = still
	p.log.Info("second pass finished", zap.Int("recovered", recovered), zap.Int("still_missing", len(still)))
}

// WriteReports overwrites the probe text reports under dir and returns their
// paths.
func (r *ProbeReport) WriteReports(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	notFound := filepath.Join(dir, "probe_not_found.txt")
	if err := writeCodeReport(notFound, "Codes the portal search could not find", r.NotFound); err != nil {
		return nil, err
	}
	noStock := filepath.Join(dir, "probe_no_stock.txt")
	if err := writeCodeReport(noStock, "Codes found on the portal with zero stock", r.FoundWithoutStock); err != nil {
		return nil, err
	}
	return []string{notFound, noStock}, nil
}

func writeCodeReport(path, title string, codes []string) error {
	sorted := append([]string(nil), codes...)
	sort.Strings(sorted)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	fmt.Fprintf(&b, "# Generated: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "# Total: %d\n\n", len(sorted))
	for _, code := range sorted {
		b.WriteString(code)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
