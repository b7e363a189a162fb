package asyncqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(&Op{Request: cryptodev.Request{Token: uint64(i)}}))
	}
	assert.Equal(t, 3, q.Len())

	ops := q.DequeueBurst(2)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(0), ops[0].Request.Token)
	assert.Equal(t, uint64(1), ops[1].Request.Token)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(&Op{}))
	err := q.Enqueue(&Op{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDequeueBurstReturnsFewerWhenEmpty(t *testing.T) {
	q := New(8)
	require.NoError(t, q.Enqueue(&Op{}))
	ops := q.DequeueBurst(8)
	assert.Len(t, ops, 1)
	assert.Empty(t, q.DequeueBurst(8))
}

func TestOpPoolHandsBackZeroedOps(t *testing.T) {
	p := NewOpPool()

	op := p.Get()
	op.Request.Token = 9
	op.Resume = func(cryptodev.Completion) {}
	p.Put(op)

	got := p.Get()
	assert.Zero(t, got.Request.Token)
	assert.Nil(t, got.Resume)
}

func TestOpPoolIgnoresNil(t *testing.T) {
	p := NewOpPool()
	p.Put(nil) // must not panic
	assert.NotNil(t, p.Get())
}
