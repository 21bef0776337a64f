package supplier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"partsync/internal/retry"
	"partsync/internal/util"
)

// emptyResultPause sits between retries of an empty result list. The search
// API sporadically answers [] for codes it does know.
const emptyResultPause = 300 * time.Millisecond

// branchStock is one portal search hit. Availability comes split per branch
// warehouse; the depot column is not sellable stock and is left out.
type branchStock struct {
	Code        string  `json:"codigo"`
	SantaFe     float64 `json:"disponibleSF"`
	BuenosAires float64 `json:"disponibleBA"`
	Mendoza     float64 `json:"disponibleMDZ"`
	Salta       float64 `json:"disponibleSA"`
}

// Total sums the branch availabilities, clamping each at zero. Branches
// report negative numbers after manual corrections.
func (b branchStock) Total() float64 {
	total := 0.0
	for _, qty := range []float64{b.SantaFe, b.BuenosAires, b.Mendoza, b.Salta} {
		if qty > 0 {
			total += qty
		}
	}
	return total
}

// Searcher looks product codes up on the portal search API through a single
// session. It is not safe for concurrent use; give each worker its own.
type Searcher struct {
	session      *Session
	limiter      *RateLimiter
	retry        retry.Config
	emptyRetries int
	log          *zap.Logger
}

func NewSearcher(session *Session, limiter *RateLimiter, retryCfg retry.Config, emptyRetries int, log *zap.Logger) *Searcher {
	if emptyRetries < 0 {
		emptyRetries = 0
	}
	return &Searcher{
		session:      session,
		limiter:      limiter,
		retry:        retryCfg,
		emptyRetries: emptyRetries,
		log:          log,
	}
}

// Lookup returns the summed branch stock for a code, or found=false when the
// portal has no matching product. Empty result lists get a bounded number of
// extra attempts before counting as not found.
func (s *Searcher) Lookup(ctx context.Context, code string) (float64, bool, error) {
	emptyLeft := s.emptyRetries
	for {
		hits, err := s.search(ctx, code)
		if err != nil {
			return 0, false, err
		}
		if len(hits) == 0 && emptyLeft > 0 {
			emptyLeft--
			select {
			case <-ctx.Done():
				return 0, false, ctx.Err()
			case <-time.After(emptyResultPause):
			}
			continue
		}
		hit, ok := pickMatch(code, hits)
		if !ok {
			return 0, false, nil
		}
		return hit.Total(), true, nil
	}
}

func (s *Searcher) search(ctx context.Context, code string) ([]branchStock, error) {
	return retry.Do(ctx, s.retry, func() ([]branchStock, error) {
		if err := s.limiter.WaitTurn(ctx); err != nil {
			return nil, err
		}
		resp, err := s.session.Get(ctx, s.session.base+"/api/searchresults?query="+url.QueryEscape(code))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, &retry.StatusError{Status: resp.StatusCode}
		}
		var hits []branchStock
		if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
			return nil, fmt.Errorf("decode search results for %s: %w", code, err)
		}
		return hits, nil
	})
}

// pickMatch prefers the hit whose code equals the query exactly, then falls
// back to canonical-key equality so "SA 17483" still matches "SA17483".
func pickMatch(code string, hits []branchStock) (branchStock, bool) {
	want := strings.ToUpper(strings.TrimSpace(code))
	for _, hit := range hits {
		if strings.ToUpper(strings.TrimSpace(hit.Code)) == want {
			return hit, true
		}
	}
	wantKey := util.NormalizeCode(code)
	if wantKey == "" {
		return branchStock{}, false
	}
	for _, hit := range hits {
		if util.NormalizeCode(hit.Code) == wantKey {
			return hit, true
		}
	}
	return branchStock{}, false
}
