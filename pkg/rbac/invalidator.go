package rbac

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/observability"
)

const (
	invalidateChunk       = 512
	invalidateConcurrency = 4
)

// CacheInvalidator drops the cached permission sets an InvalidationEvent
// affects. Subscribe Handle to the engine's bus.
type CacheInvalidator struct {
	store   Store
	cache   CacheStore
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCacheInvalidator creates an invalidator.
func NewCacheInvalidator(store Store, cache CacheStore, logger *observability.Logger, metrics *observability.Metrics) *CacheInvalidator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CacheInvalidator{
		store:   store,
		cache:   cache,
		logger:  logger.WithField("component", "rbac_invalidator"),
		metrics: metrics,
	}
}

// Handle implements EventHandler.
func (c *CacheInvalidator) Handle(ctx context.Context, event InvalidationEvent) error {
	if event.All {
		if err := c.cache.InvalidateAll(ctx); err != nil {
			return err
		}
		c.metrics.RecordInvalidation(string(event.Reason), 1)
		c.logger.WithField("reason", string(event.Reason)).Info("invalidated all cached permissions")
		return nil
	}

	users := make(map[string]struct{}, len(event.UserIDs))
	for _, id := range event.UserIDs {
		users[id] = struct{}{}
	}
	if event.RoleID != "" {
		affected, err := c.AffectedUsers(ctx, event.RoleID)
		if err != nil {
			return err
		}
		for _, id := range affected {
			users[id] = struct{}{}
		}
	}
	if len(users) == 0 {
		return nil
	}

	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(invalidateConcurrency)
	for start := 0; start < len(ids); start += invalidateChunk {
		end := start + invalidateChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		g.Go(func() error {
			return c.cache.Invalidate(gctx, chunk...)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to invalidate %d users: %w", len(ids), err)
	}

	c.metrics.RecordInvalidation(string(event.Reason), len(ids))
	c.logger.WithFields(map[string]interface{}{
		"reason":  string(event.Reason),
		"role_id": event.RoleID,
		"users":   len(ids),
	}).Debug("invalidated cached permissions")
	return nil
}

// AffectedUsers returns the holders of roleID and of every role that
// inherits it, directly or transitively.
func (c *CacheInvalidator) AffectedUsers(ctx context.Context, roleID string) ([]string, error) {
	roles, err := c.store.ListRoles(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	children := make(map[string][]string)
	for _, r := range roles {
		for _, parent := range r.InheritsFrom {
			children[parent] = append(children[parent], r.ID)
		}
	}

	seen := map[string]bool{roleID: true}
	queue := []string{roleID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return c.store.UsersWithRoles(ctx, ids)
}
