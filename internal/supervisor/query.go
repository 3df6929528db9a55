package supervisor

import (
	"context"
	"math/rand"
	"time"

	"github.com/wacore/wacore/internal/binary"
)

// Query implements resolver.Querier and prekey.Querier: assign an id if
// absent, send, and await the matching TAG:{id} reply. A 429-coded error reply is retried up to 20 times with
// 300-1000ms jitter before being returned to the caller.
func (sp *Supervisor) Query(ctx context.Context, node *binary.Node, timeout time.Duration) (*binary.Node, error) {
	if timeout <= 0 {
		timeout = sp.cfg.QueryTimeout
	}
	if node.Attrs == nil {
		node.Attrs = map[string]string{}
	}
	id := node.Attrs["id"]
	if id == "" {
		id = newStanzaID()
		node.Attrs["id"] = id
	}

	for attempt := 0; ; attempt++ {
		reply, err := sp.queryOnce(ctx, node, id, timeout)
		if err != nil {
			return nil, err
		}
		if !isRateLimited(reply) {
			return reply, nil
		}
		if attempt >= rateLimitMaxRetries {
			return reply, nil
		}
		jitter := rateLimitJitterMinMs + rand.Intn(rateLimitJitterMaxMs)
		select {
		case <-time.After(time.Duration(jitter) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (sp *Supervisor) queryOnce(ctx context.Context, node *binary.Node, id string, timeout time.Duration) (*binary.Node, error) {
	ch := make(chan *binary.Node, 1)
	sp.waitersMu.Lock()
	sp.waiters[id] = ch
	sp.waitersMu.Unlock()
	defer func() {
		sp.waitersMu.Lock()
		delete(sp.waiters, id)
		sp.waitersMu.Unlock()
	}()

	if err := sp.SendNode(ctx, node); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isRateLimited(node *binary.Node) bool {
	if node == nil {
		return false
	}
	errNode, ok := node.GetChild("error")
	if !ok {
		return false
	}
	return errNode.Attrs["code"] == "429"
}
