package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPage = `<!DOCTYPE html>
<html>
<head><title>Landing</title></head>
<body>
  <h1 id="title" class="hero">Welcome</h1>
  <div class="card"><p>First card</p></div>
  <div class="card"><p>Second card</p></div>
  <a href="/signup" id="cta">Sign up</a>
</body>
</html>`

func TestPutAndGet(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.Put("conv-1", testPage))

	page, ok := store.Get("conv-1")
	assert.True(t, ok)
	assert.Equal(t, testPage, page)

	_, ok = store.Get("conv-2")
	assert.False(t, ok)
}

func TestPutReplaces(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", "<p>old</p>"))
	require.NoError(t, store.Put("conv-1", "<p>new</p>"))

	elements, err := store.QueryCSS("conv-1", "p")
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "new", elements[0].Text)
}

func TestQueryCSS(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", testPage))

	tests := []struct {
		name     string
		selector string
		want     int
	}{
		{"by id", "#title", 1},
		{"by class", ".card", 2},
		{"by tag", "div.card p", 2},
		{"no match", ".missing", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elements, err := store.QueryCSS("conv-1", tt.selector)
			require.NoError(t, err)
			assert.Len(t, elements, tt.want)
		})
	}
}

func TestQueryCSSElementShape(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", testPage))

	elements, err := store.QueryCSS("conv-1", "#cta")
	require.NoError(t, err)
	require.Len(t, elements, 1)

	el := elements[0]
	assert.Equal(t, "a", el.Tag)
	assert.Equal(t, "Sign up", el.Text)
	assert.Equal(t, "/signup", el.Attrs["href"])
	assert.Contains(t, el.HTML, `<a href="/signup"`)
}

func TestQueryCSSInvalidSelector(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", testPage))

	_, err := store.QueryCSS("conv-1", "div[unclosed")
	assert.Error(t, err)
}

func TestQueryXPath(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", testPage))

	elements, err := store.QueryXPath("conv-1", "//div[@class='card']/p")
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "First card", elements[0].Text)
	assert.Equal(t, "Second card", elements[1].Text)
}

func TestQueryXPathInvalidExpression(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", testPage))

	_, err := store.QueryXPath("conv-1", "//div[")
	assert.Error(t, err)
}

func TestQueryWithoutSnapshot(t *testing.T) {
	store := NewStore()

	_, err := store.QueryCSS("conv-1", "p")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = store.QueryXPath("conv-1", "//p")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRemove(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put("conv-1", testPage))

	store.Remove("conv-1")
	_, ok := store.Get("conv-1")
	assert.False(t, ok)

	// Removing again is harmless.
	store.Remove("conv-1")
}
