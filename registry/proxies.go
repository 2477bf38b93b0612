package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hazyhaar/wsharvest/store"
)

// Proxies manages the proxy catalogue.
type Proxies struct {
	st     *store.Store
	logger *slog.Logger
}

// NewProxies creates a proxy registry over st.
func NewProxies(st *store.Store, logger *slog.Logger) *Proxies {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxies{st: st, logger: logger}
}

// ImportResult summarises an Import call.
type ImportResult struct {
	Added   int
	Updated int
	Invalid []string
}

// Add parses raw and stores it. An existing (host, port) keeps its id.
func (r *Proxies) Add(ctx context.Context, raw string) (Proxy, bool, error) {
	p, err := ParseProxy(raw)
	if err != nil {
		return Proxy{}, false, err
	}
	row := toStoreProxy(p)
	id, created, err := r.st.UpsertProxy(ctx, &row)
	if err != nil {
		return Proxy{}, false, fmt.Errorf("registry: add proxy: %w", err)
	}
	p.ID = id
	return p, created, nil
}

// Import adds every parseable line. Unparseable lines are reported, not fatal.
func (r *Proxies) Import(ctx context.Context, lines []string) (ImportResult, error) {
	var res ImportResult
	for _, line := range lines {
		if isBlankOrComment(line) {
			continue
		}
		_, created, err := r.Add(ctx, line)
		switch {
		case errors.Is(err, ErrBadProxy):
			res.Invalid = append(res.Invalid, line)
			continue
		case err != nil:
			return res, err
		case created:
			res.Added++
		default:
			res.Updated++
		}
	}
	r.logger.Info("registry: proxies imported",
		"added", res.Added, "updated", res.Updated, "invalid", len(res.Invalid))
	return res, nil
}

// Get returns a proxy snapshot by id.
func (r *Proxies) Get(ctx context.Context, id int64) (Proxy, error) {
	row, err := r.st.GetProxy(ctx, id)
	if err != nil {
		return Proxy{}, err
	}
	return fromStoreProxy(*row), nil
}

// List returns every proxy row, including check results.
func (r *Proxies) List(ctx context.Context) ([]store.Proxy, error) {
	return r.st.ListProxies(ctx)
}

// Pair binds proxies to accounts that have none. Proxies whose last check
// failed are skipped; the least-used proxy is picked first so the load
// spreads evenly. It returns the number of accounts paired.
func (r *Proxies) Pair(ctx context.Context) (int, error) {
	proxies, err := r.st.ListProxies(ctx)
	if err != nil {
		return 0, err
	}
	accounts, err := r.st.ListAccounts(ctx, store.AccountFilter{})
	if err != nil {
		return 0, err
	}

	usage := make(map[int64]int)
	var candidates []int64
	for _, p := range proxies {
		if p.LastStatus == "" || p.LastStatus == store.ProxyOK {
			candidates = append(candidates, p.ID)
			usage[p.ID] = 0
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	for _, a := range accounts {
		if _, ok := usage[a.ProxyID]; ok {
			usage[a.ProxyID]++
		}
	}

	paired := 0
	for _, a := range accounts {
		if a.ProxyID != 0 || a.Status == store.AccountDisabled || a.Status == store.AccountBanned {
			continue
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return usage[candidates[i]] < usage[candidates[j]]
		})
		pick := candidates[0]
		if err := r.st.SetAccountProxy(ctx, a.ID, pick); err != nil {
			return paired, fmt.Errorf("registry: pair %q: %w", a.Name, err)
		}
		usage[pick]++
		paired++
		r.logger.Debug("registry: paired", "account", a.Name, "proxy_id", pick)
	}
	return paired, nil
}

func toStoreProxy(p Proxy) store.Proxy {
	return store.Proxy{
		ID: p.ID, Raw: p.Raw, Scheme: p.Scheme, Host: p.Host, Port: p.Port,
		Login: p.Login, Password: p.Password,
	}
}

func fromStoreProxy(row store.Proxy) Proxy {
	return Proxy{
		ID: row.ID, Raw: row.Raw, Scheme: row.Scheme, Host: row.Host, Port: row.Port,
		Login: row.Login, Password: row.Password,
	}
}

func isBlankOrComment(line string) bool {
	for _, r := range line {
		switch r {
		case ' ', '\t', '\r', '\n':
			continue
		case '#':
			return true
		default:
			return false
		}
	}
	return true
}
