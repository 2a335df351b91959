package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStopper(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStopper()

	result := 0

	go func(s Stopper) {
		ticker := time.NewTicker(10 * time.Millisecond)

		defer func() {
			ticker.Stop()

			// do some heavy cleanup work
			time.Sleep(300 * time.Millisecond)

			result = 42

			s.Done()
		}()

		for {
			select {
			case <-s.Check():
				return
			case <-ticker.C:
			}
		}
	}(s)

	require.Equal(t, 0, result)
	require.False(t, s.Stopping())

	start := time.Now()

	s.Stop()

	d := time.Since(start)

	require.GreaterOrEqual(t, d, 300*time.Millisecond)
	require.Equal(t, 42, result)
	require.True(t, s.Stopping())
}

func TestStopperTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStopper()

	go func() {
		for !s.Stopping() {
			time.Sleep(time.Millisecond)
		}

		s.Done()
	}()

	s.Stop()
	s.Stop()
}
