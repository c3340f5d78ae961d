package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishInSubscriptionOrder(t *testing.T) {
	h := NewHub[int]()
	var got []string
	h.Subscribe(func(v int) { got = append(got, "a") })
	h.Subscribe(func(v int) { got = append(got, "b") })

	h.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCancelRemovesSubscriber(t *testing.T) {
	h := NewHub[string]()
	calls := 0
	cancel := h.Subscribe(func(string) { calls++ })

	h.Publish("x")
	cancel()
	cancel()
	h.Publish("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.Len())
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	h := NewHub[int]()
	var seen []int
	h.Subscribe(func(int) { panic("boom") })
	h.Subscribe(func(v int) { seen = append(seen, v) })

	assert.NotPanics(t, func() { h.Publish(7) })
	assert.Equal(t, []int{7}, seen)
}

func TestSubscriberMayCancelDuringPublish(t *testing.T) {
	h := NewHub[int]()
	var cancel func()
	calls := 0
	cancel = h.Subscribe(func(int) {
		calls++
		cancel()
	})

	h.Publish(1)
	h.Publish(2)
	assert.Equal(t, 1, calls)
}

func TestReset(t *testing.T) {
	h := NewHub[int]()
	h.Subscribe(func(int) {})
	h.Subscribe(func(int) {})
	h.Reset()
	assert.Equal(t, 0, h.Len())
}
