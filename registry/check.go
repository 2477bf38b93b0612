package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/wsharvest/store"
)

// CheckResult is the outcome of checking one proxy.
type CheckResult struct {
	ProxyID int64
	Status  store.ProxyStatus
	Latency time.Duration
	Err     string
}

// Checker tests proxies by fetching Target through them.
type Checker struct {
	st          *store.Store
	logger      *slog.Logger
	Target      string
	Timeout     time.Duration
	Concurrency int
}

// NewChecker creates a checker with a 10s timeout and 8 parallel checks.
func NewChecker(st *store.Store, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		st:          st,
		logger:      logger,
		Target:      "https://wordstat.yandex.ru/",
		Timeout:     10 * time.Second,
		Concurrency: 8,
	}
}

// Check fetches Target through p and returns the classified result. It does not persist.
func (c *Checker) Check(ctx context.Context, p Proxy) CheckResult {
	res := CheckResult{ProxyID: p.ID}
	client, err := c.client(p)
	if err != nil {
		res.Status, res.Err = store.ProxyErr, err.Error()
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Target, nil)
	if err != nil {
		res.Status, res.Err = store.ProxyErr, err.Error()
		return res
	}

	start := time.Now()
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err.Error()
		if isTimeout(err) {
			res.Status = store.ProxyTimeout
		} else {
			res.Status = store.ProxyErr
		}
		return res
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		res.Status, res.Err = store.ProxyFail, "proxy authentication required"
	case resp.StatusCode >= 500:
		res.Status, res.Err = store.ProxyFail, fmt.Sprintf("upstream status %d", resp.StatusCode)
	default:
		res.Status = store.ProxyOK
	}
	return res
}

// CheckAll checks every stored proxy with bounded parallelism and records
// each outcome. A failed record does not stop the other checks; all record
// errors are returned together.
func (c *Checker) CheckAll(ctx context.Context) ([]CheckResult, error) {
	rows, err := c.st.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]CheckResult, len(rows))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(max(c.Concurrency, 1))
	for i, row := range rows {
		g.Go(func() error {
			r := c.Check(ctx, fromStoreProxy(row))
			results[i] = r
			if err := c.st.RecordProxyCheck(ctx, row.ID, r.Status, r.Latency, r.Err, c.st.Now()); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("registry: record check %s: %w", row.Raw, err))
				mu.Unlock()
				return nil
			}
			c.logger.Debug("registry: proxy checked",
				"proxy", fromStoreProxy(row).String(), "status", r.Status, "latency", r.Latency)
			return nil
		})
	}
	g.Wait()
	return results, errors.Join(errs...)
}

func (c *Checker) client(p Proxy) (*http.Client, error) {
	tr := &http.Transport{
		TLSHandshakeTimeout:   c.Timeout,
		ResponseHeaderTimeout: c.Timeout,
		DisableKeepAlives:     true,
	}
	switch p.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if p.HasAuth() {
			auth = &proxy.Auth{User: p.Login, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{Timeout: c.Timeout})
		if err != nil {
			return nil, fmt.Errorf("registry: socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("registry: socks5 dialer lacks DialContext")
		}
		tr.DialContext = cd.DialContext
	default:
		tr.Proxy = http.ProxyURL(p.URL())
	}
	return &http.Client{
		Transport: tr,
		Timeout:   c.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
