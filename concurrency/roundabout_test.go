package concurrency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingExWriteLaneExcludesLane(t *testing.T) {
	var rb Ring

	t1, ok := rb.push(1, ExWriteLane)
	require.True(t, ok)
	t2, ok := rb.push(1, ExWriteLane)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		rb.wait(t2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("t2 proceeded before t1 popped")
	default:
	}

	rb.pop(t1)
	<-done
	rb.pop(t2)
}

func TestRingPhaseOrdersWriters(t *testing.T) {
	var rb Ring
	t1, ok := rb.push(1, ExWriteLane)
	require.True(t, ok)

	var sawEpoch uint16
	go func() {
		rb.pop(t1)
	}()

	err := rb.Phase(1, func(epoch, flags uint16) error {
		sawEpoch = epoch
		return nil
	}, func(start, end uint16) error {
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, sawEpoch, t1.epoch)
}

func TestRingActive(t *testing.T) {
	var rb Ring
	require.False(t, rb.Active(0))

	tk, ok := rb.push(1, ReadLane)
	require.True(t, ok)
	require.True(t, rb.Active(tk.epoch))
	rb.pop(tk)
}

func TestRingLockLaneMutualExclusion(t *testing.T) {
	var rb Ring
	counter := 0
	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_ = rb.LockLane(7, func(uint16, uint16) error {
				counter++
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	require.Equal(t, n, counter)
}
