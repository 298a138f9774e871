package control

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Meander-Cloud/go-policyd/message"
)

func TestBlockFilterAdmit(t *testing.T) {
	f := newBlockFilter()

	a := &message.BlockAction{Type: message.BlockTypeRequest, Resource: "tracker.example", CategoryID: 1}
	assert.True(t, f.admit(a))
	assert.False(t, f.admit(a))

	// time is not part of identity
	later := *a
	later.Time = 12345
	assert.False(t, f.admit(&later))

	otherType := *a
	otherType.Type = message.BlockTypeTextTrigger
	assert.True(t, f.admit(&otherType))

	otherCategory := *a
	otherCategory.CategoryID = 2
	assert.True(t, f.admit(&otherCategory))

	assert.Equal(t, uint(3), f.count())

	f.armed = true
	f.reset()
	assert.False(t, f.armed)
	assert.Equal(t, uint(0), f.count())
	assert.True(t, f.admit(a))
}

func TestBlockFilterOverflow(t *testing.T) {
	f := newBlockFilter()

	// far past capacity the filter starts over instead of rejecting
	var last *message.BlockAction
	for i := 0; i < int(blockFilterCapacity)*4; i++ {
		last = &message.BlockAction{Type: message.BlockTypeRequest, Resource: fmt.Sprintf("host-%d.example", i), CategoryID: 1}
		f.admit(last)
	}
	assert.Greater(t, f.count(), uint(0))
	assert.LessOrEqual(t, f.count(), blockFilterCapacity*2)
	assert.False(t, f.admit(last))
}
