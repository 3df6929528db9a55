package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wacore/wacore/internal/binary"
)

func pingNode() *binary.Node {
	return &binary.Node{
		Tag:     "iq",
		Attrs:   map[string]string{"type": "get", "xmlns": "w:p"},
		Content: []binary.Node{{Tag: "ping"}},
	}
}

// keepAliveLoop sends `<iq type="get" xmlns="w:p"><ping/></iq>` every
// KeepAliveInterval, tracking consecutive failures; on the 6th failure it
// ends the connection with connectionLost.
func (sp *Supervisor) keepAliveLoop() {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.bgCtx.Done():
			return
		case <-ticker.C:
			sp.doKeepAlive()
		}
	}
}

func (sp *Supervisor) doKeepAlive() {
	if sp.State() == StateDisconnected {
		// Socket is closed at tick-time: trigger restart via the
		// WebSocket's own reconnect path.
		sp.triggerReconnect(false)
		return
	}

	ctx, cancel := context.WithTimeout(sp.bgCtx, sp.cfg.KeepAliveInterval)
	defer cancel()

	_, err := sp.Query(ctx, pingNode(), sp.cfg.KeepAliveInterval)
	if err != nil {
		n := atomic.AddInt32(&sp.keepAliveFailures, 1)
		sp.log.Warnw("supervisor: keep-alive failed", "consecutive_failures", n, "error", err)
		if n >= maxKeepAliveFailures {
			sp.log.Errorw("supervisor: keep-alive exhausted, ending connection")
			if sp.cfg.OnDisconnect != nil {
				sp.cfg.OnDisconnect(ReasonConnectionLost)
			}
			_ = sp.End()
		}
		return
	}
	atomic.StoreInt32(&sp.keepAliveFailures, 0)
}

// sessionHealthLoop independently checks now-lastRecvAt against
// 10*keepAliveInterval; if exceeded while the socket is closed it triggers
// reconnection.
func (sp *Supervisor) sessionHealthLoop() {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.bgCtx.Done():
			return
		case <-ticker.C:
			sp.checkSessionHealth()
		}
	}
}

func (sp *Supervisor) checkSessionHealth() {
	if sp.State() != StateDisconnected {
		return
	}
	sp.lastRecvMu.Lock()
	last := sp.lastRecvAt
	sp.lastRecvMu.Unlock()

	if time.Since(last) > sessionHealthMultiplier*sp.cfg.KeepAliveInterval {
		sp.triggerReconnect(false)
	}
}

// triggerReconnect starts the backoff reconnect loop unless one is already
// in flight or the supervisor has been permanently closed.
func (sp *Supervisor) triggerReconnect(networkError bool) {
	if atomic.LoadInt32(&sp.closed) == 1 {
		return
	}
	if !atomic.CompareAndSwapInt32(&sp.reconnecting, 0, 1) {
		return
	}
	go sp.reconnectLoop(networkError)
}

// reconnectLoop retries the connection with backoff base 2s (network
// error) or 1s, doubling up to 30s, max 5 attempts. A successful
// Connect resets both counters (the keep-alive counter is reset inside
// doKeepAlive's success path, the attempt counter implicitly by returning).
// Beyond the cap: emit reconnect-failed and surface connectionLost.
func (sp *Supervisor) reconnectLoop(networkError bool) {
	defer atomic.StoreInt32(&sp.reconnecting, 0)

	backoff := reconnectBaseOther
	if networkError {
		backoff = reconnectBaseNetwork
	}

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if atomic.LoadInt32(&sp.closed) == 1 {
			return
		}

		select {
		case <-time.After(backoff):
		case <-sp.bgCtx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(sp.bgCtx, reconnectConnectTimeout)
		err := sp.Connect(ctx)
		cancel()
		if err == nil {
			sp.log.Infow("supervisor: reconnected", "attempt", attempt)
			return
		}

		sp.log.Warnw("supervisor: reconnect attempt failed", "attempt", attempt, "error", err)
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}

	sp.log.Errorw("supervisor: reconnect attempts exhausted", "attempts", maxReconnectAttempts)
	if sp.cfg.OnDisconnect != nil {
		sp.cfg.OnDisconnect(ReasonConnectionLost)
	}
}
