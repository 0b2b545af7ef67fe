package delivery

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratosight/geotak/internal/metrics"
)

const (
	probeBaseInterval = time.Second
	probeMaxInterval  = 30 * time.Second

	// Consecutive push failures before the worker stops trusting the server
	// without waiting for the prober.
	failureThreshold = 2
)

// Monitor tracks TAK server availability. While the server is unreachable the
// probe interval doubles up to 30s; one successful probe restores it.
type Monitor struct {
	client *TAKClient

	available atomic.Bool
	failures  atomic.Int32

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(client *TAKClient) *Monitor {
	m := &Monitor{
		client:   client,
		stopChan: make(chan struct{}),
	}
	m.available.Store(true)
	return m
}

// Available reports whether pushes are worth attempting.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// RecordPushResult feeds push outcomes back into availability. Two transient
// failures in a row flip availability off until a probe succeeds.
func (m *Monitor) RecordPushResult(ok bool) {
	if ok {
		m.failures.Store(0)
		m.setAvailable(true)
		return
	}
	if m.failures.Add(1) >= failureThreshold {
		m.setAvailable(false)
	}
}

func (m *Monitor) setAvailable(v bool) {
	if m.available.Swap(v) != v {
		if v {
			log.Printf("delivery: TAK server reachable")
			metrics.TAKServerUp.Set(1)
		} else {
			log.Printf("[WARN] delivery: TAK server unreachable, backing off")
			metrics.TAKServerUp.Set(0)
		}
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.runLoop()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) runLoop() {
	defer m.wg.Done()
	interval := probeBaseInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		err := m.client.Probe(ctx)
		cancel()

		if err != nil {
			m.setAvailable(false)
			interval *= 2
			if interval > probeMaxInterval {
				interval = probeMaxInterval
			}
		} else {
			m.failures.Store(0)
			m.setAvailable(true)
			interval = probeBaseInterval
		}
		timer.Reset(interval)
	}
}
