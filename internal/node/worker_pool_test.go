package node

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	wp := NewWorkerPool(2, 8, zerolog.Nop())
	wp.Start(context.Background())
	defer wp.Stop()

	var done sync.WaitGroup
	done.Add(20)
	for i := 0; i < 20; i++ {
		wp.Submit(func() { done.Done() })
	}
	done.Wait()
}

func TestWorkerPoolStopDrainsQueue(t *testing.T) {
	wp := NewWorkerPool(1, 8, zerolog.Nop())
	wp.Start(context.Background())

	var done sync.WaitGroup
	done.Add(4)
	for i := 0; i < 4; i++ {
		wp.Submit(func() { done.Done() })
	}
	wp.Stop()
	done.Wait()
}

func TestWorkerPoolSubmitAfterStop(t *testing.T) {
	wp := NewWorkerPool(2, 4, zerolog.Nop())
	wp.Start(context.Background())
	wp.Stop()

	ran := false
	require.NotPanics(t, func() {
		wp.Submit(func() { ran = true })
	})
	require.True(t, ran)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	wp := NewWorkerPool(1, 4, zerolog.Nop())
	wp.Start(context.Background())
	defer wp.Stop()

	var done sync.WaitGroup
	done.Add(2)
	wp.Submit(func() { defer done.Done(); panic("boom") })
	wp.Submit(func() { done.Done() })
	done.Wait()
}
