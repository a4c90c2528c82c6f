package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/steveyegge/consolesync/internal/transport"
)

// timeoutRequester bounds every request by the configured timeout.
type timeoutRequester struct {
	next    transport.Requester
	timeout time.Duration
}

func (t timeoutRequester) Do(ctx context.Context, req transport.Request) (json.RawMessage, error) {
	if t.timeout <= 0 {
		return t.next.Do(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Do(ctx, req)
}
