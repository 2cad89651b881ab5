package discovery

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageURL = "https://www.example.com/news/article"

func TestAccumulator_QueryMode(t *testing.T) {
	acc, err := NewAccumulator(pageURL, Query)
	require.NoError(t, err)

	const withQuery, withoutQuery = 7, 4
	for i := 0; i < withQuery; i++ {
		acc.Observe(fmt.Sprintf("https://cdn%d.thirdparty.net/tag.js?id=%d", i, i))
	}
	for i := 0; i < withoutQuery; i++ {
		acc.Observe(fmt.Sprintf("https://static%d.thirdparty.net/lib.js", i))
	}
	// the page itself, with and without query or trailing slash
	acc.Observe(pageURL)
	acc.Observe(pageURL + "/")
	acc.Observe(pageURL + "?utm_source=x")
	// duplicates and non-http schemes
	acc.Observe("https://cdn0.thirdparty.net/tag.js?id=0")
	acc.Observe("data:image/png;base64,AAAA")
	acc.Observe("blob:https://www.example.com/1234")

	resources := acc.Resources()
	assert.Len(t, resources, withQuery)
	assert.NotContains(t, resources, pageURL+"?utm_source=x")
	for _, r := range resources {
		assert.Contains(t, r, "?id=")
	}
}

func TestAccumulator_BaseMode(t *testing.T) {
	acc, err := NewAccumulator(pageURL, Base)
	require.NoError(t, err)

	assert.True(t, acc.Observe("https://cdn.thirdparty.net/tag.js?id=1"))
	assert.False(t, acc.Observe("https://cdn.thirdparty.net/tag.js?id=2"))
	assert.True(t, acc.Observe("http://img.thirdparty.net/pixel.gif"))
	assert.False(t, acc.Observe(pageURL+"/"))
	assert.False(t, acc.Observe("ftp://files.thirdparty.net/a"))

	assert.Equal(t, []string{
		"http://img.thirdparty.net/pixel.gif",
		"https://cdn.thirdparty.net/tag.js",
	}, acc.Resources())
}

func TestAccumulator_ConcurrentObserve(t *testing.T) {
	acc, err := NewAccumulator(pageURL, Base)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc.Observe(fmt.Sprintf("https://cdn.thirdparty.net/%d.js", i%10))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, acc.Len())
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Query, ParseMode("query"))
	assert.Equal(t, Base, ParseMode("base"))
	assert.Equal(t, Base, ParseMode(""))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "base", Base.String())
	assert.Equal(t, "query", Query.String())
	assert.Equal(t, "Mode(5)", Mode(5).String())
}
