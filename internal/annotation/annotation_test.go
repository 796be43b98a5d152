package annotation

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRects(t *testing.T) {
	got := RoundRects([]Rect{{1.23456, 2.0004, 3.9996, 4.1}, {0.0006, -1.23449}})
	assert.Equal(t, []Rect{{1.235, 2, 4, 4.1}, {0.001, -1.234}}, got)
	assert.Nil(t, RoundRects(nil))
}

func TestApplyMergesPositionShallowly(t *testing.T) {
	base := Annotation{
		ID:       "ABCDEFGH",
		Type:     TypeNote,
		Position: Position{PageIndex: 3, Rects: []Rect{{1, 2, 3, 4}}},
		Color:    "#ff0000",
		Comment:  "keep",
	}

	rects := []Rect{{5, 6, 7, 8}}
	text := "hello"
	moved := base.Apply(Patch{ID: base.ID, Position: &PositionPatch{Rects: rects}, Text: &text})

	assert.Equal(t, 3, moved.Position.PageIndex)
	assert.Equal(t, rects, moved.Position.Rects)
	assert.Equal(t, "hello", moved.Text)
	assert.Equal(t, "keep", moved.Comment)
	assert.Equal(t, "#ff0000", moved.Color)

	page := 7
	repaged := base.Apply(Patch{ID: base.ID, Position: &PositionPatch{PageIndex: &page}})
	assert.Equal(t, 7, repaged.Position.PageIndex)
	assert.Equal(t, base.Position.Rects, repaged.Position.Rects)

	rects[0][0] = 99
	assert.Equal(t, float64(5), moved.Position.Rects[0][0], "patch rects must be copied")
}

func TestCloneDoesNotAlias(t *testing.T) {
	image := "data:image/png;base64,AAAA"
	original := Annotation{
		Position: Position{Rects: []Rect{{1, 2, 3, 4}}},
		Tags:     []Tag{{Name: "a"}},
		Image:    &image,
	}
	clone := original.Clone()
	clone.Position.Rects[0][0] = 42
	clone.Tags[0].Name = "b"
	*clone.Image = ""

	assert.Equal(t, float64(1), original.Position.Rects[0][0])
	assert.Equal(t, "a", original.Tags[0].Name)
	assert.True(t, original.HasImage())
	assert.False(t, clone.HasImage())
}

func TestEqualPositions(t *testing.T) {
	a := Position{PageIndex: 1, Rects: []Rect{{1, 2, 3, 4}}}
	assert.True(t, EqualPositions(a, a.Clone()))
	assert.False(t, EqualPositions(a, Position{PageIndex: 2, Rects: a.Rects}))
	assert.False(t, EqualPositions(a, Position{PageIndex: 1, Rects: []Rect{{1, 2, 3, 5}}}))
	assert.False(t, EqualPositions(a, Position{PageIndex: 1}))
}

func TestApplyDefaults(t *testing.T) {
	var a Annotation
	a.ApplyDefaults()
	assert.Equal(t, DefaultColor, a.Color)
	assert.Equal(t, DefaultPageLabel, a.PageLabel)
	assert.NotNil(t, a.Tags)
}

func TestTypePositional(t *testing.T) {
	assert.True(t, TypeNote.Positional())
	assert.True(t, TypeImage.Positional())
	assert.False(t, TypeHighlight.Positional())
	assert.False(t, Type("bogus").Valid())
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 3, 5, 6, 7, 8, 9_000_000, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-03-05T05:07:08.009Z", FormatTime(ts))
}

func TestNewID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID(func(candidate string) bool { return seen[candidate] })
		require.True(t, ValidID(id), id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewIDRetriesOnCollision(t *testing.T) {
	calls := 0
	id := NewID(func(string) bool {
		calls++
		return calls < 3
	})
	assert.Equal(t, 3, calls)
	assert.True(t, ValidID(id))
}

func TestKeyFromRedrawsBiasedBytes(t *testing.T) {
	random := bytes.NewReader([]byte{
		255, 231, 0, 1, 2, 3, 4, 5,
		232, 32, 33, 64, 0, 0, 0, 0,
	})
	assert.Equal(t, "234567Z2", keyFrom(random))

	counts := map[byte]int{}
	for b := 0; b < byteLimit; b++ {
		counts[idAlphabet[b%len(idAlphabet)]]++
	}
	for _, c := range []byte(idAlphabet) {
		assert.Equal(t, byteLimit/len(idAlphabet), counts[c], string(c))
	}
}

func TestValidID(t *testing.T) {
	assert.False(t, ValidID("ABC"))
	assert.False(t, ValidID("ABCDEFG0"), "0 is not in the alphabet")
	assert.False(t, ValidID("abcdefgh"))
	assert.True(t, ValidID("23456789"))
}
