// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"sync"
	"time"
)

// retryMonitor retries a failed settings revert in the background. A
// single waiter goroutine holds one cancellable deadline: Enable (re)arms
// it, Disable cancels it. When the deadline fires the retry function
// runs; failure re-arms the same duration, success goes back to idle.
//
// State machine: Idle -> Armed (Enable) -> Idle (Disable or successful
// fire) -> Armed (failed fire, self re-arm). Stop is terminal and joins
// the waiter.
type retryMonitor struct {
	retry func() bool

	mu       sync.Mutex
	armed    bool
	deadline time.Time
	duration time.Duration
	// generation invalidates a self re-arm when Disable or Enable was
	// called while the retry function was running.
	generation uint64
	stopped    bool

	wake chan struct{}
	done chan struct{}
}

func newRetryMonitor(retry func() bool) *retryMonitor {
	m := &retryMonitor{
		retry: retry,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go m.loop()
	return m
}

// Enable arms the monitor to fire once after the duration, replacing any
// pending deadline. Never blocks, safe to call from any goroutine
// including while a fire is in progress.
func (m *retryMonitor) Enable(duration time.Duration) {
	m.mu.Lock()
	m.armed = true
	m.duration = duration
	m.deadline = time.Now().Add(duration)
	m.generation++
	m.mu.Unlock()
	m.kick()
}

// Disable cancels any pending deadline. Never blocks.
func (m *retryMonitor) Disable() {
	m.mu.Lock()
	m.armed = false
	m.generation++
	m.mu.Unlock()
	m.kick()
}

// Stop shuts the waiter down and joins it.
func (m *retryMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.kick()
	<-m.done
}

func (m *retryMonitor) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *retryMonitor) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}

		if m.armed && !time.Now().Before(m.deadline) {
			m.armed = false
			generation := m.generation
			duration := m.duration
			m.mu.Unlock()

			if !m.retry() {
				// Re-arm, unless someone enabled or disabled the
				// monitor while the retry was running.
				m.mu.Lock()
				if m.generation == generation && !m.stopped {
					m.armed = true
					m.deadline = time.Now().Add(duration)
				}
				m.mu.Unlock()
			}
			continue
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if m.armed {
			timer = time.NewTimer(time.Until(m.deadline))
			timeout = timer.C
		}
		m.mu.Unlock()

		select {
		case <-timeout:
		case <-m.wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
