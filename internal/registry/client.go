package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"
	"go.uber.org/zap"

	"partsync/internal/retry"
)

// Executor is the one registry call surface the cache and sync layers depend
// on. *Client implements it against a live endpoint; tests substitute fakes.
type Executor interface {
	ExecuteKw(ctx context.Context, model, method string, args []any, kw map[string]any) (any, error)
}

type ClientOptions struct {
	URL      string
	DB       string
	User     string
	Password string
	Timeout  time.Duration
	Retry    retry.Config
}

// Client talks to the registry over XML-RPC. It authenticates once per run
// and issues every model operation through execute_kw.
type Client struct {
	db       string
	user     string
	password string
	uid      int
	common   *xmlrpc.Client
	object   *xmlrpc.Client
	retry    retry.Config
	log      *zap.Logger
}

func NewClient(opts ClientOptions, log *zap.Logger) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &checkedTransport{base: &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}}

	base := strings.TrimRight(opts.URL, "/")
	common, err := xmlrpc.NewClient(base+"/xmlrpc/2/common", transport)
	if err != nil {
		return nil, fmt.Errorf("registry common endpoint: %w", err)
	}
	object, err := xmlrpc.NewClient(base+"/xmlrpc/2/object", transport)
	if err != nil {
		return nil, fmt.Errorf("registry object endpoint: %w", err)
	}

	return &Client{
		db:       opts.DB,
		user:     opts.User,
		password: opts.Password,
		common:   common,
		object:   object,
		retry:    opts.Retry,
		log:      log,
	}, nil
}

// Login resolves the session uid. A rejected credential is fatal for the
// whole run, never retried.
func (c *Client) Login(ctx context.Context) error {
	reply, err := retry.Do(ctx, c.retry, func() (any, error) {
		var out any
		if err := c.common.Call("authenticate", []any{c.db, c.user, c.password, map[string]any{}}, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("registry login: %w", err)
	}
	uid := toInt(reply)
	if uid <= 0 {
		return fmt.Errorf("registry login: credentials rejected for %s", c.user)
	}
	c.uid = uid
	c.log.Info("registry session opened", zap.String("db", c.db), zap.Int("uid", uid))
	return nil
}

// ExecuteKw invokes one model method. Transient transport failures are
// retried with backoff; registry faults come back unchanged.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []any, kw map[string]any) (any, error) {
	if kw == nil {
		kw = map[string]any{}
	}
	c.log.Debug("registry call", zap.String("model", model), zap.String("method", method))
	return retry.Do(ctx, c.retry, func() (any, error) {
		var out any
		if err := c.object.Call("execute_kw", []any{c.db, c.uid, c.password, model, method, args, kw}, &out); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", model, method, err)
		}
		return out, nil
	})
}

// checkedTransport converts non-200 answers into typed status errors before
// the XML-RPC layer tries to parse them.
type checkedTransport struct {
	base http.RoundTripper
}

func (t *checkedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &retry.StatusError{Status: resp.StatusCode}
	}
	return resp, nil
}

// SearchRead runs one filtered bulk read and coerces the reply rows.
func SearchRead(ctx context.Context, x Executor, model string, domain []any, fields []string) ([]map[string]any, error) {
	raw, err := x.ExecuteKw(ctx, model, "search_read", []any{domain}, map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	return toRecords(raw), nil
}

// Search returns the ids matching a domain filter.
func Search(ctx context.Context, x Executor, model string, domain []any) ([]int, error) {
	raw, err := x.ExecuteKw(ctx, model, "search", []any{domain}, nil)
	if err != nil {
		return nil, err
	}
	return toIntList(raw), nil
}

// Read fetches the named fields for a fixed id list.
func Read(ctx context.Context, x Executor, model string, ids []int, fields []string) ([]map[string]any, error) {
	raw, err := x.ExecuteKw(ctx, model, "read", []any{ids}, map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	return toRecords(raw), nil
}

// Write applies one value set to every id in the list.
func Write(ctx context.Context, x Executor, model string, ids []int, values map[string]any) error {
	_, err := x.ExecuteKw(ctx, model, "write", []any{ids, values}, nil)
	return err
}

// Create inserts a batch of records and returns their new ids.
func Create(ctx context.Context, x Executor, model string, values []map[string]any) ([]int, error) {
	raw, err := x.ExecuteKw(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return nil, err
	}
	if id := toInt(raw); id > 0 {
		return []int{id}, nil
	}
	return toIntList(raw), nil
}
