package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/driver"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
	objects  int
	errors   int
	reject   string
}

func (r *recorder) OnMessage(data []byte, objects []driver.Object) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if string(data) == r.reject {
		return false
	}
	r.messages = append(r.messages, string(data))
	r.objects += len(objects)
	return true
}

func (r *recorder) OnError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), r.objects, r.errors
}

func TestPipe_OrderedDelivery(t *testing.T) {
	a, b := NewPipePair()
	ra, rb := &recorder{}, &recorder{}

	// Messages sent before activation are queued.
	require.NoError(t, a.Transmit([]byte("1"), nil))
	require.NoError(t, a.Activate(ra))
	require.NoError(t, a.Transmit([]byte("2"), []driver.Object{driver.NewHandle("h")}))
	require.NoError(t, b.Activate(rb))
	require.NoError(t, a.Transmit([]byte("3"), nil))

	require.Eventually(t, func() bool {
		msgs, _, _ := rb.snapshot()
		return len(msgs) == 3
	}, time.Second, 5*time.Millisecond)

	msgs, objects, errs := rb.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, msgs)
	assert.Equal(t, 1, objects)
	assert.Zero(t, errs)

	assert.Equal(t, ErrAlreadyActive, b.Activate(rb))
}

func TestPipe_DeactivateNotifiesPeer(t *testing.T) {
	a, b := NewPipePair()
	ra, rb := &recorder{}, &recorder{}
	require.NoError(t, a.Activate(ra))
	require.NoError(t, b.Activate(rb))

	a.Deactivate()
	a.Deactivate()

	require.Eventually(t, func() bool {
		_, _, errs := rb.snapshot()
		return errs == 1
	}, time.Second, 5*time.Millisecond)

	_, _, errs := ra.snapshot()
	assert.Zero(t, errs)
	assert.Equal(t, ErrClosed, a.Transmit([]byte("x"), nil))
	assert.False(t, a.IsValid())
}

func TestPipe_RejectedMessageFails(t *testing.T) {
	a, b := NewPipePair()
	rb := &recorder{reject: "bad"}
	require.NoError(t, a.Activate(&recorder{}))
	require.NoError(t, b.Activate(rb))

	require.NoError(t, a.Transmit([]byte("good"), nil))
	require.NoError(t, a.Transmit([]byte("bad"), nil))

	require.Eventually(t, func() bool {
		_, _, errs := rb.snapshot()
		return errs == 1
	}, time.Second, 5*time.Millisecond)

	msgs, _, _ := rb.snapshot()
	assert.Equal(t, []string{"good"}, msgs)
	assert.False(t, b.IsValid())
}

func TestPipe_WithoutDriverObjects(t *testing.T) {
	a, _ := NewPipePair(WithoutDriverObjects())
	objects := []driver.Object{driver.NewHandle("h")}
	assert.False(t, a.CanTransmit(objects))
	assert.True(t, a.CanTransmit(nil))
	assert.Equal(t, ErrObjectsUnsupported, a.Transmit([]byte("x"), objects))
}

func TestPipeFactory(t *testing.T) {
	a, b, err := PipeFactory{Options: []PipeOption{WithoutDriverObjects()}}.NewPair()
	require.NoError(t, err)
	assert.False(t, a.CanTransmit([]driver.Object{driver.NewHandle("h")}))
	assert.False(t, b.CanTransmit([]driver.Object{driver.NewHandle("h")}))
}
