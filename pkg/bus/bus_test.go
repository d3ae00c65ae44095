package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

func TestBusDeliversInEmissionOrder(t *testing.T) {
	b := New(16)
	b.Start(context.Background())
	defer b.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.Subscribe("t", func(e domain.Event) {
		mu.Lock()
		got = append(got, e.Type)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	now := time.Now()
	b.Emit(domain.NewEvent(now, domain.EventGoalCreated, nil))
	b.Emit(domain.NewEvent(now, domain.EventRunStarted, nil))
	b.Emit(domain.NewEvent(now, domain.EventGoalCompleted, nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{domain.EventGoalCreated, domain.EventRunStarted, domain.EventGoalCompleted}, got)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New(16)
	b.Start(context.Background())
	defer b.Stop()

	var mu sync.Mutex
	count := 0
	first := make(chan struct{})
	b.Subscribe("t", func(e domain.Event) {
		mu.Lock()
		count++
		if count == 1 {
			close(first)
		}
		mu.Unlock()
	})

	b.Emit(domain.NewEvent(time.Now(), domain.EventGoalCreated, nil))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	b.Unsubscribe("t")
	b.Emit(domain.NewEvent(time.Now(), domain.EventGoalUpdated, nil))

	// Give the worker a beat to (not) deliver.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBusEmitNeverBlocksWhenFull(t *testing.T) {
	b := New(1) // no worker started, queue fills immediately

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(domain.NewEvent(time.Now(), domain.EventRunStarted, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
}
