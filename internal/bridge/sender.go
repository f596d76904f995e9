package bridge

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"navbridge/internal/navrecord"
)

// runSender sends the whole record every SendInterval after an initial
// SendDelay, independent of how often the record changes.
func (b *Bridge) runSender(ctx context.Context, store *navrecord.Store) {
	delay := time.NewTimer(b.cfg.SendDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(b.cfg.SendInterval)
	defer ticker.Stop()
	for {
		b.sendOnce(store)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sendOnce performs one send cycle. It reports whether a datagram went out.
func (b *Bridge) sendOnce(store *navrecord.Store) bool {
	_, peer := b.State()
	if peer == "" {
		return false
	}

	payload, err := json.Marshal(store.Snapshot())
	if err != nil {
		log.Printf("bridge: encode record err=%v", err)
		return false
	}

	if err := b.transport.Send(peer, payload); err != nil {
		b.sendFailed(peer, err)
		return false
	}
	b.sendSucceeded(peer)
	return true
}

func (b *Bridge) sendFailed(peer string, err error) {
	var run uint64
	b.update(func() {
		b.sendFailures++
		b.failRun++
		run = b.failRun
		b.lastSendErr = err.Error()
		// The peer may have been cleared while the send was in flight.
		if b.peer == peer && b.peer != "" {
			b.state = Disconnected
		}
	})
	if run == 1 || run%b.cfg.LogEvery == 0 {
		log.Printf("bridge: send failed peer=%s consecutive=%d err=%v", peer, run, err)
	}
}

func (b *Bridge) sendSucceeded(peer string) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	from := b.state
	b.packets++
	n := b.packets
	recovered := b.failRun > 0
	b.failRun = 0
	b.lastSendErr = ""
	if b.state == Disconnected && b.peer == peer {
		b.state = Connected
	}
	ev := StateChange{From: from, To: b.state, Peer: b.peer}
	b.mu.Unlock()

	if ev.From != ev.To {
		ev.At = time.Now().UTC()
		log.Printf("bridge: state %s -> %s peer=%q", ev.From, ev.To, ev.Peer)
		b.emitState(ev)
	}
	if recovered {
		log.Printf("bridge: send recovered peer=%s", peer)
	}
	if n%b.cfg.LogEvery == 0 {
		log.Printf("bridge: sent packets=%d peer=%s", n, peer)
	}
	b.emitSent(n)
}
