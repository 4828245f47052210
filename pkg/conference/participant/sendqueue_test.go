package participant_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/focus/pkg/conference/participant"
)

func TestSendQueueKeepsOrder(t *testing.T) {
	queue := participant.NewSendQueue()

	var (
		mu  sync.Mutex
		ran []int
	)
	// The first task sleeps: later tasks must still wait for it.
	queue.Enqueue(func() {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		ran = append(ran, 0)
		mu.Unlock()
	})
	for i := 1; i < 5; i++ {
		i := i
		queue.Enqueue(func() {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ran)
}

func TestSendQueueDrainsOnClose(t *testing.T) {
	queue := participant.NewSendQueue()

	done := make(chan struct{})
	queue.Enqueue(func() {
		time.Sleep(20 * time.Millisecond)
	})
	queue.Enqueue(func() { close(done) })
	queue.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task did not run before the queue shut down")
	}

	// Late tasks are dropped, not run.
	queue.Enqueue(func() { t.Error("task ran after Close") })
	time.Sleep(50 * time.Millisecond)
}
