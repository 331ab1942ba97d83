package catalog

import (
	"context"
	"sync"
	"time"

	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/portal"
	"nvpn-proxy/work/types"

	"github.com/panjf2000/ants/v2"
)

// Resolver is the part of the manifest resolver the checker needs.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (*types.StreamDescriptor, *portal.Session, error)
}

// CheckResult is the outcome of resolving one channel.
type CheckResult struct {
	Channel   Channel       `json:"channel"`
	MediaType string        `json:"mediaType,omitempty"`
	URL       string        `json:"url,omitempty"`
	DRM       bool          `json:"drm"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

// Checker resolves every catalog channel on a bounded worker pool.
type Checker struct {
	catalog  *Catalog
	resolver Resolver
	workers  int
}

// NewChecker creates a checker running at most workers resolutions at a time.
func NewChecker(c *Catalog, r Resolver, workers int) *Checker {
	if workers < 1 {
		workers = 1
	}
	return &Checker{catalog: c, resolver: r, workers: workers}
}

// Check resolves all channels and returns one result per channel in catalog
// order. Per-channel failures are reported in the result, not as an error.
func (c *Checker) Check(ctx context.Context) ([]CheckResult, error) {
	pool, err := ants.NewPool(c.workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	channels := c.catalog.All()
	results := make([]CheckResult, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			results[i] = c.check(ctx, ch)
		})
		if submitErr != nil {
			wg.Done()
			results[i] = CheckResult{Channel: ch, Error: submitErr.Error()}
		}
	}
	wg.Wait()

	return results, ctx.Err()
}

func (c *Checker) check(ctx context.Context, ch Channel) CheckResult {
	start := time.Now()
	res := CheckResult{Channel: ch}

	desc, _, err := c.resolver.Resolve(ctx, ch.Handle)
	res.Took = time.Since(start)
	if err != nil {
		logger.Debug("{catalog/checker - check} %s failed: %v", ch.Handle, err)
		res.Error = err.Error()
		return res
	}

	res.MediaType = desc.MediaType.String()
	res.URL = desc.URL
	res.DRM = desc.DRM != nil
	return res
}
