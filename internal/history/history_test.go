package history

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/annotation"
)

func sample(id, comment string) annotation.Annotation {
	image := "data:image/png;base64,AAAA"
	return annotation.Annotation{
		ID:        id,
		Type:      annotation.TypeImage,
		Position:  annotation.Position{PageIndex: 1, Rects: []annotation.Rect{{1, 2, 3, 4}}},
		PageLabel: "2",
		Image:     &image,
		Comment:   comment,
		Tags:      []annotation.Tag{},
		ReadOnly:  true,
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	svc := New(t.TempDir())

	empty, err := svc.Log("doc-1", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	first, err := svc.Commit("doc-1", []annotation.Annotation{sample("AAAAAAAA", "one")}, "Avery", "")
	require.NoError(t, err)
	assert.Len(t, first.Hash, 7)
	assert.Equal(t, 1, first.Added)
	assert.Equal(t, "Snapshot 1 annotations", first.Message)

	_, err = svc.Commit("doc-1", []annotation.Annotation{sample("AAAAAAAA", "one")}, "Avery", "again")
	assert.ErrorIs(t, err, ErrNoChanges)

	second, err := svc.Commit("doc-1", []annotation.Annotation{
		sample("AAAAAAAA", "changed"),
		sample("BBBBBBBB", "two"),
	}, "Avery", "Edit comments")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Added)
	assert.Equal(t, 1, second.Modified)
	assert.Equal(t, 0, second.Removed)

	log, err := svc.Log("doc-1", 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, second.Hash, log[0].Hash)
	assert.Equal(t, "Avery", log[0].Author)

	limited, err := svc.Log("doc-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	items, err := svc.Load("doc-1", first.Hash)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "one", items[0].Comment)
	assert.Nil(t, items[0].Image, "images are not kept in history")
	assert.False(t, items[0].ReadOnly)
}

func TestFirstSnapshotMayBeEmpty(t *testing.T) {
	svc := New(t.TempDir())
	commit, err := svc.Commit("doc/with slashes", nil, "", "empty")
	require.NoError(t, err)
	assert.NotEmpty(t, commit.Hash)

	_, err = svc.Commit("doc/with slashes", []annotation.Annotation{}, "", "empty again")
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Commit("doc-1", []annotation.Annotation{sample("AAAAAAAA", string(rune('a'+i)))}, "Avery", "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	log, err := svc.Log("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, log, 5)
}

func TestDiff(t *testing.T) {
	from := []annotation.Annotation{sample("A", "x"), sample("B", "y"), sample("C", "z")}
	to := []annotation.Annotation{sample("A", "x"), sample("B", "changed"), sample("D", "new")}
	changes := Diff(from, to)
	assert.Equal(t, []string{"D"}, changes.Added)
	assert.Equal(t, []string{"C"}, changes.Removed)
	assert.Equal(t, []string{"B"}, changes.Modified)
	assert.False(t, changes.Empty())
	assert.True(t, Diff(to, to).Empty())
}

func TestSanitizers(t *testing.T) {
	assert.Equal(t, "Ada.Lovelace", sanitizeEmail("Ada Lovelace"))
	assert.Equal(t, "user", sanitizeEmail("!!"))
	assert.Equal(t, "doc_with_slashes", sanitizePath("doc/with slashes"))
	assert.Equal(t, "document", sanitizePath(".."))
}

func TestLoadUnknownSnapshot(t *testing.T) {
	svc := New(t.TempDir())

	_, err := svc.Load("doc-1", "deadbeef")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = svc.Commit("doc-1", []annotation.Annotation{sample("AAAAAAAA", "first")}, "Avery", "first")
	require.NoError(t, err)
	_, err = svc.Load("doc-1", "0123456789012345678901234567890123456789")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
