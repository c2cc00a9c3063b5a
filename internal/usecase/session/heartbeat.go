package session

import (
	"context"
	"time"

	"gatewayd/internal/domain"
)

// heartbeat is the running heartbeat task.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startHeartbeat stops any running task and spawns a new one ticking at
// interval. At most one task is registered at any time. Nothing is spawned
// once conn is no longer the current connection; Restart stops whatever was
// registered before it moved on.
func (s *Session) startHeartbeat(conn uint64, interval time.Duration) bool {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
	for {
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			cancel()
			return false
		}
		old := s.hb
		if old == nil {
			s.hb = hb
			s.awaitAck = false
			s.mu.Unlock()
			break
		}
		s.hb = nil
		s.mu.Unlock()
		old.stop()
	}
	go s.heartbeatLoop(ctx, hb, interval)
	return true
}

// stopHeartbeat cancels the running task and waits for it to exit.
func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	hb := s.hb
	s.hb = nil
	s.mu.Unlock()
	if hb != nil {
		hb.stop()
	}
}

func (h *heartbeat) stop() {
	h.cancel()
	<-h.done
}

func (s *Session) heartbeatLoop(ctx context.Context, hb *heartbeat, interval time.Duration) {
	defer close(hb.done)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.beat(ctx)
		timer.Reset(interval)
	}
}

// beat sends one HEARTBEAT echoing the current sequence.
func (s *Session) beat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	seq := cloneSeq(s.identity.Seq)
	missed := s.opts.RequireAck && s.awaitAck
	s.mu.Unlock()

	if missed {
		select {
		case s.zombie <- struct{}{}:
		default:
		}
		return
	}
	if seq == nil {
		s.metrics.HeartbeatSkipped()
		s.logger.Debug("heartbeat skipped, no sequence yet")
		return
	}

	env, err := domain.NewEnvelope(domain.OpHeartbeat, *seq)
	if err != nil {
		return
	}
	if err := s.transport.Send(ctx, env); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("send heartbeat", "error", err)
		}
		return
	}
	s.mu.Lock()
	s.awaitAck = true
	s.mu.Unlock()
	s.metrics.HeartbeatSent()
}
