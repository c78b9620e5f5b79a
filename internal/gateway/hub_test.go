package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

func TestHub_DeliversToProjectSubscribersOnly(t *testing.T) {
	hub := NewHub(nil)
	events, unsubscribe := hub.Subscribe("p1")
	defer unsubscribe()
	other, unsubscribeOther := hub.Subscribe("p2")
	defer unsubscribeOther()

	hub.PublishSession("p1", "s1", progress.State{Status: progress.StatusActive, Percent: 10})
	hub.PublishWorkflow("p1", workflow.State{ID: "w1", Status: workflow.StatusActive})

	first := <-events
	assert.Equal(t, EnvelopeSession, first.Type)
	assert.Equal(t, "p1", first.ProjectID)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, float64(10), first.Data.(progress.State).Percent)

	second := <-events
	assert.Equal(t, EnvelopeWorkflow, second.Type)
	assert.Equal(t, "w1", second.Data.(workflow.State).ID)

	assert.Empty(t, other)
}

func TestHub_SlowSubscriberKeepsLatest(t *testing.T) {
	hub := NewHub(nil)
	events, unsubscribe := hub.Subscribe("p1")
	defer unsubscribe()

	total := subscriberBuffer + 5
	for i := 1; i <= total; i++ {
		hub.PublishSession("p1", "s1", progress.State{Percent: float64(i)})
	}

	require.Len(t, events, subscriberBuffer)
	var last Envelope
	for len(events) > 0 {
		last = <-events
	}
	assert.Equal(t, float64(total), last.Data.(progress.State).Percent)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(nil)
	events, unsubscribe := hub.Subscribe("p1")
	assert.Equal(t, 1, hub.Subscribers("p1"))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.Subscribers("p1"))

	_, open := <-events
	assert.False(t, open)

	// publishing with no subscribers is a no-op
	hub.PublishSession("p1", "s1", progress.State{})
}

func TestHub_SlowSubscriberKeepsLatestPerType(t *testing.T) {
	hub := NewHub(nil)
	events, unsubscribe := hub.Subscribe("p1")
	defer unsubscribe()

	hub.PublishWorkflow("p1", workflow.State{ID: "w1", Status: workflow.StatusActive})
	total := subscriberBuffer + 8
	for i := 1; i <= total; i++ {
		hub.PublishSession("p1", "s1", progress.State{Percent: float64(i)})
	}

	require.Len(t, events, subscriberBuffer)
	var got []Envelope
	for len(events) > 0 {
		got = append(got, <-events)
	}

	assert.Equal(t, EnvelopeWorkflow, got[0].Type, "the only workflow snapshot is kept and stays first")
	assert.Equal(t, "w1", got[0].Data.(workflow.State).ID)
	last := got[len(got)-1]
	assert.Equal(t, EnvelopeSession, last.Type)
	assert.Equal(t, float64(total), last.Data.(progress.State).Percent)

	for i := 2; i < len(got); i++ {
		assert.Greater(t, got[i].Data.(progress.State).Percent, got[i-1].Data.(progress.State).Percent,
			"session snapshots keep their order")
	}
}

func TestDropSuperseded(t *testing.T) {
	queue := []Envelope{
		{Type: EnvelopeWorkflow, Data: 1},
		{Type: EnvelopeSession, Data: 2},
		{Type: EnvelopeWorkflow, Data: 3},
		{Type: EnvelopeSession, Data: 4},
	}
	got := dropSuperseded(append([]Envelope(nil), queue...))
	require.Len(t, got, 3)
	assert.Equal(t, []interface{}{2, 3, 4}, []interface{}{got[0].Data, got[1].Data, got[2].Data})

	single := dropSuperseded([]Envelope{{Type: EnvelopeWorkflow, Data: 1}, {Type: EnvelopeSession, Data: 2}})
	require.Len(t, single, 1)
	assert.Equal(t, 2, single[0].Data)
}
