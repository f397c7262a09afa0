package orderer

import (
	"testing"

	"github.com/jaydenbeard/spacecore/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opID(b byte) wire.OperationId {
	var out wire.OperationId
	out[0] = b
	return out
}

func TestReleasesInDependencyOrder(t *testing.T) {
	o := New()
	root := opID(1)
	child := opID(2)
	grandchild := opID(3)

	o.Queue(Op{ID: grandchild, Dependencies: []wire.OperationId{child}})
	o.Queue(Op{ID: child, Dependencies: []wire.OperationId{root}})
	o.Queue(Op{ID: root})

	var order []wire.OperationId
	for {
		op, ok := o.TakeNextReady()
		if !ok {
			break
		}
		order = append(order, op.ID)
	}
	assert.Equal(t, []wire.OperationId{root, child, grandchild}, order)
	assert.Equal(t, 0, o.Pending())
}

func TestOutOfOrderArrivalStillBuffers(t *testing.T) {
	o := New()
	root, child := opID(1), opID(2)

	o.Queue(Op{ID: child, Dependencies: []wire.OperationId{root}})
	_, ok := o.TakeNextReady()
	assert.False(t, ok, "child should stay buffered until its dependency arrives")
	assert.Equal(t, 1, o.Pending())

	o.Queue(Op{ID: root})
	first, ok := o.TakeNextReady()
	require.True(t, ok)
	assert.Equal(t, root, first.ID)

	second, ok := o.TakeNextReady()
	require.True(t, ok)
	assert.Equal(t, child, second.ID)
}

func TestWelcomeSubsumesPriorHistory(t *testing.T) {
	o := New()
	before := opID(1)
	o.SetWelcome([]wire.OperationId{before})

	// A replay of an operation from before the welcome point is silently dropped.
	o.Queue(Op{ID: before})
	assert.Equal(t, 0, o.Pending())
	_, ok := o.TakeNextReady()
	assert.False(t, ok)

	// An operation depending on prior history is otherwise treated normally.
	after := opID(2)
	o.Queue(Op{ID: after, Dependencies: []wire.OperationId{before}})
	taken, ok := o.TakeNextReady()
	require.True(t, ok)
	assert.Equal(t, after, taken.ID)
}

func TestDuplicateQueueIsIgnored(t *testing.T) {
	o := New()
	id := opID(7)
	o.Queue(Op{ID: id})
	o.Queue(Op{ID: id})

	_, ok := o.TakeNextReady()
	require.True(t, ok)
	_, ok = o.TakeNextReady()
	assert.False(t, ok)
}
