// Package hosttimer drives the periodic wall-clock tick (spec §4.11 "Timer &
// signals", component C11). The machine package uses it to wake the
// virtio-console back-end so it flushes pending RX data; the legacy UART is
// not driven by this tick.
package hosttimer

import "time"

// Tick is the periodic wake-up rate; a plain 100ms ticker is precise enough
// for keyboard-speed RX delivery without the complexity of a setitimer-based
// SIGALRM (kvmtool drives its own PIT-backed tick for this same purpose).
const Tick = 100 * time.Millisecond

// Timer calls onTick every Tick until Stop.
type Timer struct {
	t    *time.Ticker
	done chan struct{}
}

// Start launches the periodic tick goroutine.
func Start(onTick func()) *Timer {
	tm := &Timer{t: time.NewTicker(Tick), done: make(chan struct{})}

	go func() {
		for {
			select {
			case <-tm.t.C:
				onTick()
			case <-tm.done:
				return
			}
		}
	}()

	return tm
}

// Stop halts the ticker goroutine.
func (tm *Timer) Stop() {
	tm.t.Stop()
	close(tm.done)
}
