package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Session is one logged-in portal identity: a cookie jar plus the headers
// the portal expects from a browser. Probe workers never share a session;
// each gets its own fork of the logged-in jar.
type Session struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

func NewSession(baseURL string, timeout time.Duration, log *zap.Logger) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Session{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Jar: jar, Timeout: timeout},
		log:    log,
	}, nil
}

// Login walks the portal's credential flow: fetch a CSRF token, post the
// form, and require a session-token cookie in the jar afterwards. The
// callback endpoint answers 200 even for bad credentials, so the cookie is
// the only reliable signal.
func (s *Session) Login(ctx context.Context, user, password string) error {
	token, err := s.csrfToken(ctx)
	if err != nil {
		return err
	}

	form := url.Values{
		"email":       {user},
		"password":    {password},
		"csrfToken":   {token},
		"callbackUrl": {s.base + "/"},
		"json":        {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.base+"/api/auth/callback/credentials", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	s.decorate(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post credentials: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if !s.hasSessionToken() {
		return errors.New("portal login rejected: no session token cookie")
	}
	s.log.Info("portal login ok")
	return nil
}

func (s *Session) csrfToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/auth/csrf", nil)
	if err != nil {
		return "", err
	}
	s.decorate(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch csrf token: status %d", resp.StatusCode)
	}

	var payload struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode csrf token: %w", err)
	}
	if payload.CSRFToken == "" {
		return "", errors.New("portal returned an empty csrf token")
	}
	return payload.CSRFToken, nil
}

func (s *Session) hasSessionToken() bool {
	u, err := url.Parse(s.base)
	if err != nil {
		return false
	}
	for _, c := range s.client.Jar.Cookies(u) {
		if strings.Contains(c.Name, "session-token") {
			return true
		}
	}
	return false
}

// Fork copies the logged-in cookies into a fresh client so a worker can use
// it without sharing connection state with its siblings.
func (s *Session) Fork() (*Session, error) {
	u, err := url.Parse(s.base)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(u, s.client.Jar.Cookies(u))
	return &Session{
		base:   s.base,
		client: &http.Client{Jar: jar, Timeout: s.client.Timeout},
		log:    s.log,
	}, nil
}

// Get issues a decorated GET through this session's cookie jar.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	s.decorate(req)
	return s.client.Do(req)
}

func (s *Session) decorate(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", s.base)
	req.Header.Set("Referer", s.base+"/login")
}
