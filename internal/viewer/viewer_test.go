package viewer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/annotation"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus(nil)
	rendered := 0
	initialized := 0
	stop := bus.Subscribe(PageRendered, func() { rendered++ })
	bus.Subscribe(PagesInitialized, func() { initialized++ })

	assert.Equal(t, 1, bus.Publish(PageRendered))
	assert.Equal(t, 1, rendered)
	assert.Equal(t, 0, initialized)

	stop()
	stop()
	assert.Equal(t, 0, bus.Publish(PageRendered))
	assert.Equal(t, 1, rendered)
}

func TestCanonicalInt(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{in: "10", want: 10, ok: true},
		{in: "0", want: 0, ok: true},
		{in: "-4", want: -4, ok: true},
		{in: "03", ok: false},
		{in: "3a", ok: false},
		{in: "+3", ok: false},
		{in: "", ok: false},
		{in: "iv", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := CanonicalInt(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestLayoutPageLabels(t *testing.T) {
	layout := NewLayout([]string{"i", "ii", "1", "2", "3"})
	ctx := context.Background()

	points, err := layout.PageLabelPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []LabelPoint{{2, "1"}, {3, "2"}, {4, "3"}}, points)

	label, err := layout.PageLabel(ctx, 6, points)
	require.NoError(t, err)
	assert.Equal(t, "5", label)

	label, err = layout.PageLabel(ctx, 1, points)
	require.NoError(t, err)
	assert.Equal(t, "", label, "no numeric point precedes roman front matter")

	live, ok := layout.LivePageLabel(1)
	assert.True(t, ok)
	assert.Equal(t, "ii", live)
	_, ok = layout.LivePageLabel(10)
	assert.False(t, ok)
}

func TestLayoutSortIndexFollowsReadingOrder(t *testing.T) {
	layout := NewLayout(nil)
	ctx := context.Background()

	top, err := layout.SortIndex(ctx, annotation.Position{PageIndex: 1, Rects: []annotation.Rect{{10, 700, 50, 750}}})
	require.NoError(t, err)
	bottom, err := layout.SortIndex(ctx, annotation.Position{PageIndex: 1, Rects: []annotation.Rect{{10, 100, 50, 150}}})
	require.NoError(t, err)
	nextPage, err := layout.SortIndex(ctx, annotation.Position{PageIndex: 2, Rects: []annotation.Rect{{10, 700, 50, 750}}})
	require.NoError(t, err)

	assert.Equal(t, "00001|000000|99249", top)
	assert.Less(t, top, bottom)
	assert.Less(t, bottom, nextPage)

	_, err = layout.SortIndex(ctx, annotation.Position{Rects: []annotation.Rect{{1, 2}}})
	assert.Error(t, err)
}
