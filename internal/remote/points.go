package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marginalia/api/internal/viewer"
)

// Labeler is the page-label source being cached.
type Labeler interface {
	PageLabelPoints(ctx context.Context) ([]viewer.LabelPoint, error)
	PageLabel(ctx context.Context, pageIndex int, points []viewer.LabelPoint) (string, error)
	LivePageLabel(pageIndex int) (string, bool)
}

// PointsCache shares extracted page-label points between processes. Only
// successful extractions are cached, and Redis failures fall through to the
// wrapped labeler.
type PointsCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	inner  Labeler
	logger *slog.Logger
}

func NewPointsCache(client *redis.Client, documentID string, inner Labeler, ttl time.Duration, logger *slog.Logger) *PointsCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PointsCache{client: client, key: pointsKey(documentID), ttl: ttl, inner: inner, logger: logger}
}

func (c *PointsCache) PageLabelPoints(ctx context.Context) ([]viewer.LabelPoint, error) {
	cached, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var points []viewer.LabelPoint
		if jsonErr := json.Unmarshal(cached, &points); jsonErr == nil {
			return points, nil
		}
		c.logger.Warn("remote: discarding corrupt page label cache", "key", c.key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("remote: page label cache read failed", "key", c.key, "error", err)
	}

	points, err := c.inner.PageLabelPoints(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(points)
	if err == nil {
		err = c.client.Set(ctx, c.key, encoded, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("remote: page label cache write failed", "key", c.key, "error", err)
	}
	return points, nil
}

func (c *PointsCache) PageLabel(ctx context.Context, pageIndex int, points []viewer.LabelPoint) (string, error) {
	return c.inner.PageLabel(ctx, pageIndex, points)
}

func (c *PointsCache) LivePageLabel(pageIndex int) (string, bool) {
	return c.inner.LivePageLabel(pageIndex)
}

// Invalidate drops the cached points, for example after the document's page
// labels were edited.
func (c *PointsCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
