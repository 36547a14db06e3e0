package sso

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/observability"
)

const (
	DefaultDiscoveryCacheSize = 128
	DefaultDiscoveryCacheTTL  = time.Hour
)

// DiscoveryCache caches OIDC discovery documents per issuer. Concurrent
// misses for one issuer share a single fetch.
type DiscoveryCache struct {
	providers *expirable.LRU[string, *oidc.Provider]
	group     singleflight.Group
	client    *http.Client
	timeout   time.Duration
	metrics   *observability.Metrics
}

// NewDiscoveryCache creates a cache holding up to size issuers for ttl.
func NewDiscoveryCache(size int, ttl time.Duration, client *http.Client, timeout time.Duration, metrics *observability.Metrics) *DiscoveryCache {
	if size <= 0 {
		size = DefaultDiscoveryCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDiscoveryCacheTTL
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &DiscoveryCache{
		providers: expirable.NewLRU[string, *oidc.Provider](size, nil, ttl),
		client:    client,
		timeout:   timeout,
		metrics:   metrics,
	}
}

// Provider returns the discovered provider for issuer.
func (d *DiscoveryCache) Provider(ctx context.Context, issuer string) (*oidc.Provider, error) {
	if provider, ok := d.providers.Get(issuer); ok {
		d.metrics.RecordDiscovery("hit")
		return provider, nil
	}

	v, err, _ := d.group.Do(issuer, func() (interface{}, error) {
		if provider, ok := d.providers.Get(issuer); ok {
			return provider, nil
		}
		fetchCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, d.client), d.timeout)
		defer cancel()

		provider, err := oidc.NewProvider(fetchCtx, issuer)
		if err != nil {
			return nil, err
		}
		d.providers.Add(issuer, provider)
		return provider, nil
	})
	if err != nil {
		d.metrics.RecordDiscovery("error")
		return nil, autherr.Network(err, "oidc discovery for %s failed", issuer)
	}
	d.metrics.RecordDiscovery("miss")
	return v.(*oidc.Provider), nil
}

// Invalidate drops the cached document for issuer.
func (d *DiscoveryCache) Invalidate(issuer string) {
	d.providers.Remove(issuer)
}

// Len returns the number of cached issuers.
func (d *DiscoveryCache) Len() int {
	return d.providers.Len()
}
