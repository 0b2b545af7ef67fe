package delivery_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/delivery"
	"github.com/stratosight/geotak/internal/queue"
)

func fixtures(t *testing.T) (*queue.Queue, *audit.Journal) {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(filepath.Join(dir, "queue.wal"), 100)
	require.NoError(t, err)
	q.WithJitter(func(d time.Duration) time.Duration { return d })
	j, err := audit.Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Close()
		j.Close()
	})
	return q, j
}

func startWorker(t *testing.T, q *queue.Queue, j *audit.Journal, url string) *delivery.Worker {
	t.Helper()
	client := delivery.NewTAKClient(url)
	monitor := delivery.NewMonitor(client)
	w := delivery.NewWorker(q, j, client, monitor, nil, delivery.WorkerConfig{
		Concurrency:  4,
		PollInterval: 20 * time.Millisecond,
	})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func auditKinds(t *testing.T, j *audit.Journal, id uuid.UUID) []audit.Kind {
	t.Helper()
	events, err := j.Scan(id)
	require.NoError(t, err)
	kinds := make([]audit.Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestWorker_SuccessfulPush(t *testing.T) {
	var gotBody atomic.Value
	var gotContentType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		assert.Equal(t, http.MethodPut, r.Method)
		gotContentType.Store(r.Header.Get("Content-Type"))
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, j := fixtures(t)
	startWorker(t, q, j, srv.URL)

	id := uuid.New()
	_, err := q.Enqueue(id, []byte("<event xml/>"), time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Size() == 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "application/xml", gotContentType.Load())
	assert.Equal(t, "<event xml/>", gotBody.Load())
	assert.Equal(t, []audit.Kind{audit.KindPushed, audit.KindSynced}, auditKinds(t, j, id))
}

func TestWorker_TransientFailureThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, j := fixtures(t)
	// Immediate retries keep the test fast.
	q.WithJitter(func(time.Duration) time.Duration { return 0 })
	startWorker(t, q, j, srv.URL)

	id := uuid.New()
	_, err := q.Enqueue(id, []byte("<e/>"), time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Size() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []audit.Kind{audit.KindPushFailed, audit.KindPushed, audit.KindSynced},
		auditKinds(t, j, id))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestWorker_ClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	q, j := fixtures(t)
	startWorker(t, q, j, srv.URL)

	id := uuid.New()
	_, err := q.Enqueue(id, []byte("<e/>"), time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Failed()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, []audit.Kind{audit.KindRetryExhausted}, auditKinds(t, j, id))
	failed := q.Failed()
	assert.Contains(t, failed[0].LastError, "client_error")
	// Terminal rejection does not burn the retry budget.
	assert.Equal(t, 0, failed[0].Attempts)
}

func TestWorker_StopRevertsInFlight(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		close(arrived)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	q, j := fixtures(t)
	w := startWorker(t, q, j, srv.URL)

	id := uuid.New()
	seq, err := q.Enqueue(id, []byte("<e/>"), time.Now())
	require.NoError(t, err)

	select {
	case <-arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("push never reached the server")
	}
	w.Stop()

	// The cancelled push went back to PENDING without an attempt and without
	// failure audit events.
	assert.Equal(t, 1, q.Size())
	batch, err := q.PeekBatch(1, time.Now())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, seq, batch[0].Seq)
	assert.Equal(t, 0, batch[0].Attempts)
	assert.Equal(t, "cancelled", batch[0].LastError)
	assert.Empty(t, auditKinds(t, j, id))
}

func TestTAKClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   delivery.PushResult
	}{
		{200, delivery.PushOK},
		{204, delivery.PushOK},
		{408, delivery.PushTransient},
		{429, delivery.PushTransient},
		{500, delivery.PushTransient},
		{503, delivery.PushTransient},
		{400, delivery.PushTerminal},
		{403, delivery.PushTerminal},
		{404, delivery.PushTerminal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		result, _ := delivery.NewTAKClient(srv.URL).Push(context.Background(), []byte("<e/>"))
		assert.Equal(t, tc.want, result, "status %d", tc.status)
		srv.Close()
	}
}

func TestTAKClient_DoesNotFollowRedirects(t *testing.T) {
	var followed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			followed.Store(true)
			return
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	result, err := delivery.NewTAKClient(srv.URL).Push(context.Background(), []byte("<e/>"))
	assert.Equal(t, delivery.PushTerminal, result)
	assert.Error(t, err)
	assert.False(t, followed.Load())
}

func TestTAKClient_TransportErrorIsTransient(t *testing.T) {
	// Nothing listens here.
	result, err := delivery.NewTAKClient("http://127.0.0.1:1").Push(context.Background(), []byte("<e/>"))
	assert.Equal(t, delivery.PushTransient, result)
	assert.Error(t, err)
}
