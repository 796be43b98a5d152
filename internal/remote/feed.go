package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marginalia/api/internal/annotation"
	"marginalia/api/internal/viewer"
)

type Kind string

const (
	KindSet              Kind = "set"
	KindRemove           Kind = "remove"
	KindPageRendered     Kind = "pageRendered"
	KindPagesInitialized Kind = "pagesInitialized"
)

// Message is the wire format published on a document channel.
type Message struct {
	Origin     string                 `json:"origin"`
	Kind       Kind                   `json:"kind"`
	Annotation *annotation.Annotation `json:"annotation,omitempty"`
	IDs        []string               `json:"ids,omitempty"`
	SentAt     time.Time              `json:"sentAt"`
}

// DefaultRenderTimeout bounds the image render of one remote set.
const DefaultRenderTimeout = 30 * time.Second

// Sink applies edits made elsewhere to the local collection. Receive must not
// block; images still missing are rendered through RenderMissingImage.
type Sink interface {
	Receive(a annotation.Annotation) (annotation.Annotation, bool)
	RenderMissingImage(ctx context.Context, a annotation.Annotation) (annotation.Annotation, bool)
	RemoveLocal(ids []string)
}

// EventPublisher forwards viewer lifecycle signals.
type EventPublisher interface {
	Publish(event viewer.Event) int
}

// Feed publishes local changes and applies remote ones for one document.
type Feed struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger

	mu     sync.RWMutex
	sink   Sink
	events EventPublisher

	renderTimeout time.Duration
	renders       sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

func NewFeed(client *redis.Client, documentID string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		client:  client,
		channel: channelName(documentID),
		origin:  newOrigin(),
		logger:  logger,
		ready:   make(chan struct{}),

		renderTimeout: DefaultRenderTimeout,
	}
}

func newOrigin() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("origin-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// UseChannel replaces the per-document channel. It must be called before Run.
func (f *Feed) UseChannel(channel string) {
	if channel != "" {
		f.channel = channel
	}
}

// UseRenderTimeout bounds renders triggered by remote sets. It must be called
// before Run.
func (f *Feed) UseRenderTimeout(d time.Duration) {
	if d > 0 {
		f.renderTimeout = d
	}
}

// Origin identifies this process in published messages.
func (f *Feed) Origin() string {
	return f.origin
}

// Attach sets where remote messages go. Either argument may be nil.
func (f *Feed) Attach(sink Sink, events EventPublisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.events = events
}

// Ready is closed once Run has subscribed.
func (f *Feed) Ready() <-chan struct{} {
	return f.ready
}

// Run subscribes to the document channel and dispatches messages until ctx
// is cancelled. Renders it started are cancelled and waited for on return.
func (f *Feed) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()
	defer f.renders.Wait()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.readyOnce.Do(func() { close(f.ready) })
	f.logger.Info("remote: feed subscribed", "channel", f.channel, "origin", f.origin)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			f.dispatch(ctx, msg.Payload)
		}
	}
}

func (f *Feed) dispatch(ctx context.Context, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		f.logger.Warn("remote: malformed message", "channel", f.channel, "error", err)
		return
	}
	if msg.Origin == f.origin {
		return
	}

	f.mu.RLock()
	sink, events := f.sink, f.events
	f.mu.RUnlock()

	switch msg.Kind {
	case KindSet:
		if sink == nil || msg.Annotation == nil {
			return
		}
		a, pending := sink.Receive(*msg.Annotation)
		if pending {
			f.renderLater(ctx, sink, a)
		}
	case KindRemove:
		if sink == nil || len(msg.IDs) == 0 {
			return
		}
		sink.RemoveLocal(msg.IDs)
	case KindPageRendered:
		if events != nil {
			events.Publish(viewer.PageRendered)
		}
	case KindPagesInitialized:
		if events != nil {
			events.Publish(viewer.PagesInitialized)
		}
	default:
		f.logger.Warn("remote: unknown message kind", "kind", string(msg.Kind))
	}
}

// renderLater completes a received image off the dispatch loop so a slow
// render never holds back later messages.
func (f *Feed) renderLater(ctx context.Context, sink Sink, a annotation.Annotation) {
	f.renders.Add(1)
	go func() {
		defer f.renders.Done()
		renderCtx, cancel := context.WithTimeout(ctx, f.renderTimeout)
		defer cancel()
		if _, ok := sink.RenderMissingImage(renderCtx, a); !ok {
			f.logger.Debug("remote: annotation removed before its image was rendered", "id", a.ID)
		}
	}()
}

func (f *Feed) publish(ctx context.Context, msg Message) error {
	msg.Origin = f.origin
	msg.SentAt = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Kind, err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s message: %w", msg.Kind, err)
	}
	return nil
}

func (f *Feed) PublishSet(ctx context.Context, a annotation.Annotation) error {
	a = a.Clone()
	a.ReadOnly = false
	return f.publish(ctx, Message{Kind: KindSet, Annotation: &a})
}

func (f *Feed) PublishRemove(ctx context.Context, ids []string) error {
	return f.publish(ctx, Message{Kind: KindRemove, IDs: ids})
}

func (f *Feed) PublishEvent(ctx context.Context, event viewer.Event) error {
	switch event {
	case viewer.PageRendered:
		return f.publish(ctx, Message{Kind: KindPageRendered})
	case viewer.PagesInitialized:
		return f.publish(ctx, Message{Kind: KindPagesInitialized})
	default:
		return fmt.Errorf("unknown viewer event %q", event)
	}
}
