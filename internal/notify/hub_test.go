package notify

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_NotifyFanOut(t *testing.T) {
	hub := NewHub(nil)

	ch1, unsub1 := hub.Subscribe()
	defer unsub1()
	ch2, unsub2 := hub.Subscribe()
	defer unsub2()

	hub.Notify(42)

	assert.Equal(t, int64(42), <-ch1)
	assert.Equal(t, int64(42), <-ch2)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil)

	ch, unsub := hub.Subscribe()
	unsub()
	unsub() // idempotent

	hub.Notify(1)
	assert.Zero(t, hub.Count())

	select {
	case v := <-ch:
		t.Fatalf("received %d after unsubscribe", v)
	default:
	}
}

func TestHub_SlowSubscriberKeepsLatest(t *testing.T) {
	hub := NewHub(nil)

	ch, unsub := hub.Subscribe()
	defer unsub()

	// Overflow the buffer; the newest version must survive.
	for v := int64(1); v <= subscriberBuffer+5; v++ {
		hub.Notify(v)
	}

	var last int64
	for {
		select {
		case v := <-ch:
			last = v
			continue
		default:
		}
		break
	}
	assert.Equal(t, int64(subscriberBuffer+5), last)
}

func TestHub_CountCallback(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	hub := NewHub(nil, WithCountCallback(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}))

	_, unsub1 := hub.Subscribe()
	_, unsub2 := hub.Subscribe()
	unsub1()
	unsub2()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestHub_ConcurrentSubscribeNotify(t *testing.T) {
	hub := NewHub(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsub := hub.Subscribe()
			hub.Notify(7)
			select {
			case <-ch:
			case <-time.After(time.Second):
			}
			unsub()
		}()
	}
	wg.Wait()

	assert.Zero(t, hub.Count())
}

// streamRecorder makes concurrent body reads safe while the SSE handler is
// still writing.
type streamRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *streamRecorder) snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

func TestHub_SSEStream(t *testing.T) {
	hub := NewHub(nil, WithHeartbeat(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/v1/stream", nil).WithContext(ctx)
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.ServeHTTP(rec, req, 100)
	}()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	hub.Notify(101)
	// Let the handler drain the channel before ending the stream.
	require.Eventually(t, func() bool {
		return strings.Contains(rec.snapshot(), "data: 101")
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	body := rec.snapshot()
	assert.Contains(t, body, "event: version\ndata: 100\n\n")
	assert.Contains(t, body, "event: version\ndata: 101\n\n")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Zero(t, hub.Count(), "stream end must unsubscribe")
}

func TestHub_SSEInitialVersionFrame(t *testing.T) {
	hub := NewHub(nil, WithHeartbeat(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/v1/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.ServeHTTP(rec, req, 7)
	}()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: version", scanner.Text())
	require.True(t, scanner.Scan())
	assert.Equal(t, "data: 7", scanner.Text())
}
