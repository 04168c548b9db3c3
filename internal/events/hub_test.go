package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToTopicAndWildcard(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	var topical, all []Event
	unsubTopic := hub.Subscribe(TopicTopologyChanged, func(_ context.Context, e Event) { topical = append(topical, e) })
	unsubAll := hub.Subscribe(TopicAll, func(_ context.Context, e Event) { all = append(all, e) })

	hub.Publish(context.Background(), TopicTopologyChanged, "payload", map[string]string{"pool": "p"})
	hub.Publish(context.Background(), TopicHealthFailed, nil, nil)

	require.Len(t, topical, 1)
	require.Equal(t, "payload", topical[0].Payload)
	require.Equal(t, "p", topical[0].Metadata["pool"])
	require.Len(t, all, 2)
	require.Equal(t, TopicHealthFailed, all[1].Topic)
	require.Equal(t, all[0].Seq+1, all[1].Seq)

	unsubTopic()
	unsubAll()
	hub.Publish(context.Background(), TopicTopologyChanged, nil, nil)
	require.Len(t, topical, 1)
	require.Len(t, all, 2)
}

func TestHubPrefixPatternAndOrder(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	var order []string
	hub.Subscribe("hostpool.*", func(_ context.Context, e Event) { order = append(order, "prefix:"+e.Topic) })
	hub.Subscribe(TopicHostPoolAdded, func(_ context.Context, e Event) { order = append(order, "exact:"+e.Topic) })

	hub.Publish(context.Background(), TopicHostPoolAdded, nil, nil)
	hub.Publish(context.Background(), TopicHostPoolRemoved, nil, nil)
	hub.Publish(context.Background(), TopicHealthFailed, nil, nil)

	assert.Equal(t, []string{
		"prefix:hostpool.added",
		"exact:hostpool.added",
		"prefix:hostpool.removed",
	}, order)
	assert.Equal(t, 2, hub.Subscribers(TopicHostPoolAdded))
	assert.Equal(t, 0, hub.Subscribers(TopicConfigUpdated))
}

func TestHubSurvivesPanickingHandler(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	delivered := false
	hub.Subscribe(TopicAll, func(context.Context, Event) { panic("boom") })
	hub.Subscribe(TopicAll, func(context.Context, Event) { delivered = true })

	require.NotPanics(t, func() {
		hub.Publish(context.Background(), TopicHealthRecovered, nil, nil)
	})
	assert.True(t, delivered)
}

func TestMatch(t *testing.T) {
	t.Parallel()
	assert.True(t, Match("*", "config.updated"))
	assert.True(t, Match("health.*", "health.failed"))
	assert.False(t, Match("health.*", "healthz"))
	assert.False(t, Match("config.updated", "config.updatedx"))
}
