package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/annotation"
	"marginalia/api/internal/viewer"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, s
}

type recordingSink struct {
	mu       sync.Mutex
	set      []annotation.Annotation
	removed  [][]string
	rendered []string
	renderFn func(ctx context.Context) error
}

func (r *recordingSink) Receive(a annotation.Annotation) (annotation.Annotation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set = append(r.set, a)
	return a, a.Type == annotation.TypeImage && a.Image == nil
}

func (r *recordingSink) RenderMissingImage(ctx context.Context, a annotation.Annotation) (annotation.Annotation, bool) {
	if r.renderFn != nil {
		if err := r.renderFn(ctx); err != nil {
			return a, false
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, a.ID)
	return a, true
}

func (r *recordingSink) RemoveLocal(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ids)
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set), len(r.removed)
}

func startFeed(t *testing.T, f *Feed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-f.Ready():
	case err := <-done:
		t.Fatalf("feed stopped before subscribing: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not subscribe")
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestFeedDeliversToOtherOrigins(t *testing.T) {
	client, _ := setupTestRedis(t)
	local := NewFeed(client, "doc-1", nil)
	peer := NewFeed(client, "doc-1", nil)
	other := NewFeed(client, "doc-2", nil)
	require.NotEqual(t, local.Origin(), peer.Origin())

	localSink, peerSink, otherSink := &recordingSink{}, &recordingSink{}, &recordingSink{}
	local.Attach(localSink, nil)
	peer.Attach(peerSink, nil)
	other.Attach(otherSink, nil)
	startFeed(t, local)
	startFeed(t, peer)
	startFeed(t, other)

	ctx := context.Background()
	a := annotation.Annotation{ID: "ABCDEFGH", Type: annotation.TypeNote, ReadOnly: true, Comment: "hi"}
	require.NoError(t, local.PublishSet(ctx, a))
	require.NoError(t, local.PublishRemove(ctx, []string{"ABCDEFGH"}))

	require.Eventually(t, func() bool {
		set, removed := peerSink.counts()
		return set == 1 && removed == 1
	}, 2*time.Second, 10*time.Millisecond)

	peerSink.mu.Lock()
	assert.Equal(t, "hi", peerSink.set[0].Comment)
	assert.False(t, peerSink.set[0].ReadOnly)
	assert.Equal(t, []string{"ABCDEFGH"}, peerSink.removed[0])
	peerSink.mu.Unlock()

	set, removed := localSink.counts()
	assert.Zero(t, set+removed, "own messages are ignored")
	set, removed = otherSink.counts()
	assert.Zero(t, set+removed, "other documents are not affected")
}

func TestFeedRendersOffTheDispatchLoop(t *testing.T) {
	client, _ := setupTestRedis(t)
	local := NewFeed(client, "doc-1", nil)
	peer := NewFeed(client, "doc-1", nil)
	peer.UseRenderTimeout(time.Second)

	release := make(chan struct{})
	var deadline time.Time
	sink := &recordingSink{renderFn: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	peer.Attach(sink, nil)
	startFeed(t, peer)

	ctx := context.Background()
	img := annotation.Annotation{ID: "ABCDEFGH", Type: annotation.TypeImage}
	require.NoError(t, local.PublishSet(ctx, img))
	require.NoError(t, local.PublishRemove(ctx, []string{"ABCDEFGH"}))

	require.Eventually(t, func() bool {
		_, removed := sink.counts()
		return removed == 1
	}, 2*time.Second, 10*time.Millisecond, "a pending render must not hold back the removal")

	close(release)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.rendered) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, deadline.IsZero(), "renders run under a timeout")
}

func TestFeedSkipsRenderForFailedImages(t *testing.T) {
	client, _ := setupTestRedis(t)
	local := NewFeed(client, "doc-1", nil)
	peer := NewFeed(client, "doc-1", nil)
	sink := &recordingSink{}
	peer.Attach(sink, nil)
	startFeed(t, peer)

	empty := ""
	img := annotation.Annotation{ID: "ABCDEFGH", Type: annotation.TypeImage, Image: &empty}
	require.NoError(t, local.PublishSet(context.Background(), img))

	require.Eventually(t, func() bool {
		set, _ := sink.counts()
		return set == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.rendered)
}

func TestFeedForwardsViewerEvents(t *testing.T) {
	client, _ := setupTestRedis(t)
	local := NewFeed(client, "doc-1", nil)
	peer := NewFeed(client, "doc-1", nil)
	bus := viewer.NewBus(nil)
	var rendered sync.WaitGroup
	rendered.Add(1)
	bus.Subscribe(viewer.PageRendered, rendered.Done)
	peer.Attach(nil, bus)
	startFeed(t, peer)

	require.NoError(t, local.PublishEvent(context.Background(), viewer.PageRendered))
	waited := make(chan struct{})
	go func() {
		rendered.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("page rendered event was not forwarded")
	}

	assert.Error(t, local.PublishEvent(context.Background(), viewer.Event("zoom")))
}

func TestFeedIgnoresMalformedMessages(t *testing.T) {
	client, _ := setupTestRedis(t)
	feed := NewFeed(client, "doc-1", nil)
	sink := &recordingSink{}
	feed.Attach(sink, nil)

	feed.dispatch(context.Background(), "{")
	feed.dispatch(context.Background(), `{"origin":"x","kind":"set"}`)
	feed.dispatch(context.Background(), `{"origin":"x","kind":"bogus"}`)
	set, removed := sink.counts()
	assert.Zero(t, set+removed)

	feed.dispatch(context.Background(), `{"origin":"x","kind":"set","annotation":{"id":"ABCDEFGH","type":"note"}}`)
	set, _ = sink.counts()
	assert.Equal(t, 1, set)
}

type countingLabeler struct {
	calls  int
	err    error
	points []viewer.LabelPoint
}

func (c *countingLabeler) PageLabelPoints(context.Context) ([]viewer.LabelPoint, error) {
	c.calls++
	return c.points, c.err
}

func (c *countingLabeler) PageLabel(context.Context, int, []viewer.LabelPoint) (string, error) {
	return "7", nil
}

func (c *countingLabeler) LivePageLabel(int) (string, bool) {
	return "vii", true
}

func TestPointsCacheStoresSuccessfulExtraction(t *testing.T) {
	client, s := setupTestRedis(t)
	inner := &countingLabeler{points: []viewer.LabelPoint{{PageIndex: 2, Label: "1"}}}
	cache := NewPointsCache(client, "doc-1", inner, time.Minute, nil)
	ctx := context.Background()

	first, err := cache.PageLabelPoints(ctx)
	require.NoError(t, err)
	second, err := cache.PageLabelPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.True(t, s.Exists("labels:doc-1"))

	s.FastForward(2 * time.Minute)
	_, err = cache.PageLabelPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	require.NoError(t, cache.Invalidate(ctx))
	assert.False(t, s.Exists("labels:doc-1"))

	label, err := cache.PageLabel(ctx, 8, first)
	require.NoError(t, err)
	assert.Equal(t, "7", label)
	live, ok := cache.LivePageLabel(8)
	assert.True(t, ok)
	assert.Equal(t, "vii", live)
}

func TestPointsCacheDoesNotStoreFailures(t *testing.T) {
	client, s := setupTestRedis(t)
	inner := &countingLabeler{err: errors.New("no outline")}
	cache := NewPointsCache(client, "doc-1", inner, time.Minute, nil)

	_, err := cache.PageLabelPoints(context.Background())
	assert.Error(t, err)
	assert.False(t, s.Exists("labels:doc-1"))
}

func TestPointsCacheRecoversFromCorruptEntry(t *testing.T) {
	client, s := setupTestRedis(t)
	require.NoError(t, s.Set("labels:doc-1", "not json"))
	inner := &countingLabeler{points: []viewer.LabelPoint{}}
	cache := NewPointsCache(client, "doc-1", inner, time.Minute, nil)

	_, err := cache.PageLabelPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
	got, err := s.Get("labels:doc-1")
	require.NoError(t, err)
	assert.Equal(t, "[]", got)
}
