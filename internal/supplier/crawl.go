package supplier

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"partsync/internal/config"
	"partsync/internal/retry"
)

// feedColumns is the column order of the crawl output. The feed loader reads
// these back by header name, so renaming one breaks feed detection.
var feedColumns = []string{
	"id", "codigo", "marca", "descripcion", "precioLista", "precioCosto",
	"precioVenta", "descuentos", "disponibilidad", "origen",
}

// catalogQuery is the fixed search payload the catalog API expects; only the
// page number varies between requests.
type catalogQuery struct {
	BrandID     int    `json:"idMarcas"`
	CategoryID  int    `json:"idRubros"`
	Query       string `json:"busqueda"`
	Page        int    `json:"pagina"`
	OnlyNew     bool   `json:"isNovedades"`
	OnlyOffers  bool   `json:"isOfertas"`
	Equivalence string `json:"equivalencia"`
}

// Crawler walks the portal catalog page by page and writes a dated CSV feed.
type Crawler struct {
	cfg     config.Config
	client  *http.Client
	limiter *RateLimiter
	retry   retry.Config
	log     *zap.Logger
}

func NewCrawler(cfg config.Config, log *zap.Logger) *Crawler {
	return &Crawler{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.PortalTimeoutMs) * time.Millisecond},
		limiter: NewRateLimiter(time.Duration(cfg.PortalDelayMs) * time.Millisecond),
		retry: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		},
		log: log,
	}
}

// Run logs into the portal through the browser and downloads the catalog.
func (c *Crawler) Run(ctx context.Context) (string, error) {
	sess, err := BrowserLogin(ctx, c.cfg, c.log)
	if err != nil {
		return "", err
	}
	return c.Download(ctx, sess)
}

// Download fetches every catalog page with an established session and writes
// the rows to a dated CSV under the output directory. A failed page is
// logged and skipped; the crawl keeps going.
func (c *Crawler) Download(ctx context.Context, sess CatalogSession) (string, error) {
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(c.cfg.OutputDir, fmt.Sprintf("catalog_%s.csv", time.Now().Format("2006-01-02")))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(feedColumns); err != nil {
		return "", err
	}

	total := 0
	for page := 1; page < sess.Pages; page++ {
		items, err := c.FetchPage(ctx, sess.Token, page)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.log.Error("catalog page failed, skipping", zap.Int("page", page), zap.Error(err))
			continue
		}
		for _, item := range items {
			if err := w.Write(feedRow(item)); err != nil {
				return "", err
			}
			total++
		}
		c.log.Info("catalog page done",
			zap.Int("page", page),
			zap.Int("last", sess.Pages-1),
			zap.Int("items", len(items)),
			zap.Int("total", total))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	c.log.Info("catalog crawl finished", zap.String("path", path), zap.Int("items", total))
	return path, nil
}

// FetchPage posts the catalog search for one page and decodes its items.
func (c *Crawler) FetchPage(ctx context.Context, token string, page int) ([]map[string]any, error) {
	payload, err := json.Marshal(catalogQuery{Page: page})
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.retry, func() ([]map[string]any, error) {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.PortalBaseURL, "/")+"/api/Articulos/Buscar",
			bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, &retry.StatusError{Status: resp.StatusCode}
		}
		var body struct {
			Items []map[string]any `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode catalog page %d: %w", page, err)
		}
		return body.Items, nil
	})
}

func feedRow(item map[string]any) []string {
	description := ""
	if list, ok := item["descripciones"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			description, _ = first["descripcion"].(string)
		}
	}
	return []string{
		cell(item["id"]),
		cell(item["codigo"]),
		cell(item["marca"]),
		description,
		cell(item["precioLista"]),
		cell(item["precioCosto"]),
		cell(item["precioVenta"]),
		cell(item["descuentos"]),
		cell(item["disponibilidad"]),
		cell(item["origen"]),
	}
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
