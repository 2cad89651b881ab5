package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalStore(t *testing.T) {
	store := NewLocalStore()
	defer store.Close()

	_, ok := store.GetRobots("example.com")
	assert.False(t, ok)

	store.SaveRobots("example.com", []byte("User-agent: *\nDisallow: /private/"))
	store.SaveRobots("empty.example.com", []byte{})

	body, ok := store.GetRobots("example.com")
	assert.True(t, ok)
	assert.Contains(t, string(body), "Disallow")

	body, ok = store.GetRobots("empty.example.com")
	assert.True(t, ok)
	assert.Empty(t, body)
}

func TestRobotsKey(t *testing.T) {
	key := robotsKey("www.example.com")

	assert.Equal(t, key, robotsKey("www.example.com"))
	assert.NotEqual(t, key, robotsKey("example.com"))
	assert.Len(t, key, 64+len("-robots"))
	assert.NotContains(t, key, " ")
}
