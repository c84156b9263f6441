// Package netwatch is a lightweight connectivity watcher: it notices when
// the network comes back after an outage and calls the dealer's Kick,
// which drops a still-open connection so the reconnect loop redials at
// once instead of waiting for a read error or the heartbeat timeout.
// Kick does not shorten a backoff sleep the reconnect loop is already
// in after a failed connect attempt. It polls a
// well-known address on a ticker and dials with a short timeout,
// reporting a transition only on the down-to-up edge.
package netwatch

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// dialFunc is a variable so tests can inject a mock dialer.
var dialFunc = func(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// Kicker is nudged when connectivity is observed to return after having
// been down. internal/dealer.Dealer satisfies this via its Kick method.
type Kicker interface {
	Kick()
}

// Watcher polls a well-known address on an interval and calls Kick on
// the registered Kicker the moment connectivity flips from down to up.
type Watcher struct {
	probe    string
	interval time.Duration
	kicker   Kicker
}

// New creates a Watcher that probes probe (host:port) every interval.
func New(probe string, interval time.Duration, kicker Kicker) *Watcher {
	if probe == "" {
		probe = "1.1.1.1:53"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{probe: probe, interval: interval, kicker: kicker}
}

// Run blocks, probing on Watcher's interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	online := w.check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasOnline := online
			online = w.check()
			if online && !wasOnline {
				slog.Info("netwatch: connectivity restored, nudging dealer reconnect")
				w.kicker.Kick()
			}
		}
	}
}

func (w *Watcher) check() bool {
	conn, err := dialFunc("tcp", w.probe, 3*time.Second)
	if conn != nil {
		conn.Close()
	}
	return err == nil
}
