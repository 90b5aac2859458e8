package testserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvent(t *testing.T) {
	e := NewEvent()
	require.False(t, e.IsSet())
	require.False(t, e.Wait(10*time.Millisecond))

	e.Set()
	e.Set() // second call is a no-op
	require.True(t, e.IsSet())
	require.True(t, e.Wait(time.Second))

	select {
	case <-e.Done():
	default:
		t.Fatal("Done channel not closed after Set")
	}
}

func TestEvent_ZeroValue(t *testing.T) {
	var e Event
	require.False(t, e.Wait(0))

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Set()
	}()
	require.True(t, e.Wait(5*time.Second))
}

func TestEvent_WaitTimesOut(t *testing.T) {
	e := NewEvent()
	start := time.Now()
	require.False(t, e.Wait(50*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
