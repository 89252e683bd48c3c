package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDomainMemory(t *testing.T) {
	dm := NewDomainMemory(time.Hour)
	defer dm.Stop()

	now := time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)
	dm.now = func() time.Time { return now }

	assert.Empty(t, dm.RESTBase("news.example.com"))

	dm.SetRESTBase("news.example.com", "https://news.example.com/wp-json/")
	dm.SetRESTBase("", "https://ignored.example/")
	assert.Equal(t, "https://news.example.com/wp-json/", dm.RESTBase("news.example.com"))

	dm.Forget("news.example.com")
	assert.Empty(t, dm.RESTBase("news.example.com"))

	dm.SetRESTBase("news.example.com", "https://news.example.com/wp-json/")
	now = now.Add(2 * time.Hour)
	assert.Empty(t, dm.RESTBase("news.example.com"), "entries expire after the TTL")
}

func TestDomainMemoryPrune(t *testing.T) {
	dm := NewDomainMemory(time.Minute)
	defer dm.Stop()

	now := time.Now()
	dm.now = func() time.Time { return now }
	dm.SetRESTBase("a.example", "https://a.example/wp-json/")
	now = now.Add(30 * time.Second)
	dm.SetRESTBase("b.example", "https://b.example/wp-json/")

	now = now.Add(45 * time.Second)
	dm.prune()

	_, aKept := dm.store.Load("a.example")
	_, bKept := dm.store.Load("b.example")
	assert.False(t, aKept)
	assert.True(t, bKept)
}

func TestDomainMemoryStopIsIdempotent(t *testing.T) {
	dm := NewDomainMemory(0)
	dm.Stop()
	assert.NotPanics(t, dm.Stop)
}
