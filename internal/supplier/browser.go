package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"partsync/internal/config"
)

// CatalogSession is what the catalog crawl needs from the browser: the API
// bearer token and the page count read from the paginator.
type CatalogSession struct {
	Token string
	Pages int
}

// BrowserLogin drives a headless Chrome through the portal login form and
// lifts the bearer token from the page's localStorage. The catalog API
// accepts no other authentication path.
func BrowserLogin(ctx context.Context, cfg config.Config, log *zap.Logger) (CatalogSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.CrawlHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			log.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	browserCtx, timeoutCancel := context.WithTimeout(browserCtx, time.Duration(cfg.PortalTimeoutMs)*time.Millisecond)
	defer timeoutCancel()

	base := strings.TrimRight(cfg.PortalBaseURL, "/")
	paginator := `(//button[@class='page-link cursor-hand'])[last()]`

	var lastPage, sessionJSON string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(base),
		chromedp.Click(`//a[@title='Login']`, chromedp.BySearch),
		chromedp.SendKeys(`//input[@name='user']`, cfg.PortalUser, chromedp.BySearch),
		chromedp.SendKeys(`//input[@name='password']`, cfg.PortalPassword, chromedp.BySearch),
		chromedp.Click(`//button[@type='submit' and normalize-space(text())='Ingresar']`, chromedp.BySearch),
		chromedp.Sleep(3*time.Second),
		chromedp.Navigate(base+"/catalogo"),
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		// jump to the last page so the paginator shows the real page count
		chromedp.Click(paginator, chromedp.BySearch),
		chromedp.Sleep(3*time.Second),
		chromedp.Text(paginator, &lastPage, chromedp.BySearch),
		chromedp.Evaluate(`window.localStorage.getItem('session') || ""`, &sessionJSON),
	)
	if err != nil {
		return CatalogSession{}, fmt.Errorf("browser login: %w", err)
	}

	if sessionJSON == "" {
		return CatalogSession{}, errors.New("browser login: no session payload in localStorage")
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(sessionJSON), &payload); err != nil {
		return CatalogSession{}, fmt.Errorf("browser login: decode session payload: %w", err)
	}
	if payload.Token == "" {
		return CatalogSession{}, errors.New("browser login: session payload has no token")
	}

	n, err := strconv.Atoi(strings.TrimSpace(lastPage))
	if err != nil {
		return CatalogSession{}, fmt.Errorf("browser login: paginator label %q: %w", lastPage, err)
	}

	log.Info("browser login ok", zap.Int("pages", n+1))
	return CatalogSession{Token: payload.Token, Pages: n + 1}, nil
}
