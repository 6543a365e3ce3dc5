package zoesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenerSet_DeliversInRegistrationOrder(t *testing.T) {
	var s listenerSet[int]
	var order []string

	s.add(func(v int) { order = append(order, "a") })
	s.add(func(v int) { order = append(order, "b") })
	s.notify(1)

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestListenerSet_DisposerRemovesHandler(t *testing.T) {
	var s listenerSet[int]
	var count int

	dispose := s.add(func(int) { count++ })
	s.notify(1)
	dispose()
	dispose()
	s.notify(2)

	assert.Equal(t, 1, count)
}

func TestListenerSet_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	var s listenerSet[int]
	var delivered bool

	s.add(func(int) { panic("handler bug") })
	s.add(func(int) { delivered = true })

	s.notify(1)
	assert.True(t, delivered)
}

func TestListenerSet_ClearDropsEverything(t *testing.T) {
	var s listenerSet[int]
	var count int

	s.add(func(int) { count++ })
	s.clear()
	s.notify(1)

	assert.Equal(t, 0, count)
}
