// Package source holds the inbound broadcast transports. Each one turns its
// wire format into decoder payloads and hands them to a Handler.
package source

import (
	"context"
	"time"

	"navbridge/internal/decoder"
)

// Handler receives one payload. name identifies the transport that produced
// it. Handlers are called from the transport's own goroutine.
type Handler func(name string, p decoder.Payload)

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
