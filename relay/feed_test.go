package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safely/models"
)

func TestAlertFeedNewestFirstAndBounded(t *testing.T) {
	feed := NewAlertFeed(3, nil)
	for i := 0; i < 5; i++ {
		require.True(t, feed.Add(models.SoundEvent{SoundType: fmt.Sprintf("s%d", i), Confidence: 0.5}))
	}

	list := feed.List()
	require.Len(t, list, 3)
	assert.Equal(t, "s4", list[0].SoundType)
	assert.Equal(t, "s3", list[1].SoundType)
	assert.Equal(t, "s2", list[2].SoundType)
}

func TestAlertFeedGate(t *testing.T) {
	connected := false
	feed := NewAlertFeed(0, func() bool { return connected })

	assert.False(t, feed.Add(models.SoundEvent{SoundType: "yelling", Confidence: 0.9}))
	assert.Zero(t, feed.Len())

	connected = true
	assert.True(t, feed.Add(models.SoundEvent{SoundType: "yelling", Confidence: 0.9}))
	assert.Equal(t, 1, feed.Len())

	feed.Clear()
	assert.Zero(t, feed.Len())
}

func TestAlertFeedRejectsInvalidEvents(t *testing.T) {
	feed := NewAlertFeed(5, nil)
	assert.False(t, feed.Add(models.SoundEvent{Confidence: 0.5}))
	assert.False(t, feed.Add(models.SoundEvent{SoundType: "x", Confidence: -0.1}))
}

func TestAlertFeedListIsCopy(t *testing.T) {
	feed := NewAlertFeed(5, nil)
	feed.Add(models.SoundEvent{SoundType: "a", Confidence: 0.1})
	list := feed.List()
	list[0].SoundType = "mutated"
	assert.Equal(t, "a", feed.List()[0].SoundType)
}
