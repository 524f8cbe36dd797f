package daemon

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHandleHealthReflectsLifecycle(t *testing.T) {
	d := &Daemon{startedAt: time.Now()}

	rec := httptest.NewRecorder()
	d.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before startup: status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	d.healthy.Store(true)
	rec = httptest.NewRecorder()
	d.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("after startup: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

// Health checks arrive on server goroutines while Run flips the flag;
// both sides must be safe under the race detector.
func TestHandleHealthConcurrentWithShutdown(t *testing.T) {
	d := &Daemon{startedAt: time.Now()}
	d.healthy.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec := httptest.NewRecorder()
				d.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			}
		}()
	}
	for j := 0; j < 100; j++ {
		d.healthy.Store(j%2 == 0)
	}
	wg.Wait()
}
