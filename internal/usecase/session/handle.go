package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"gatewayd/internal/domain"
	"gatewayd/internal/infra/tracer"
)

// HandleEnvelope applies one inbound envelope to the session. Only
// protocol compatibility failures are fatal to the session; transport
// failures are returned to the caller.
func (s *Session) HandleEnvelope(ctx context.Context, env domain.Envelope) error {
	switch env.Op {
	case domain.OpDispatch:
		return s.handleDispatch(ctx, env)

	case domain.OpHeartbeat:
		return s.transport.Send(ctx, domain.Envelope{Op: domain.OpHeartbeatAck})

	case domain.OpReconnect:
		s.logger.Info("server requested reconnect")
		s.metrics.Reconnect("server_request")
		return s.Restart(s.restartContext(ctx))

	case domain.OpInvalidSession:
		s.logger.Warn("session invalidated, re-identifying")
		s.metrics.Reconnect("invalid_session")
		s.forgetIdentity(ctx)
		return s.Restart(s.restartContext(ctx))

	case domain.OpHello:
		var hello domain.Hello
		if !env.HasData() {
			return domain.NewDomainError("Session.HandleEnvelope", domain.ErrProtocolCompat, "HELLO without payload")
		}
		if err := json.Unmarshal(env.Data, &hello); err != nil {
			return domain.NewDomainError("Session.HandleEnvelope", domain.ErrProtocolCompat, fmt.Sprintf("decode HELLO: %v", err))
		}
		if hello.HeartbeatInterval <= 0 {
			return domain.NewDomainError("Session.HandleEnvelope", domain.ErrProtocolCompat, "HELLO without heartbeat interval")
		}
		return s.handshake(ctx, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

	case domain.OpHeartbeatAck:
		s.mu.Lock()
		s.awaitAck = false
		s.lastAck = time.Now()
		s.mu.Unlock()
		return nil
	}

	if env.Op.Defined() {
		s.logger.Warn("ignoring unexpected opcode", "op", env.Op.String())
		return nil
	}
	return domain.NewDomainError("Session.HandleEnvelope", domain.ErrProtocolCompat, fmt.Sprintf("unknown opcode %d", int(env.Op)))
}

// restartContext returns a context that outlives the connection ctx was
// derived from, since a restart cancels that connection.
func (s *Session) restartContext(ctx context.Context) context.Context {
	s.mu.Lock()
	lc := s.lc
	s.mu.Unlock()
	if lc != nil {
		return lc.ctx
	}
	return context.WithoutCancel(ctx)
}

func (s *Session) handleDispatch(ctx context.Context, env domain.Envelope) error {
	if env.Seq != nil {
		s.mu.Lock()
		if s.identity.Seq == nil || *env.Seq > *s.identity.Seq {
			s.identity.Seq = cloneSeq(env.Seq)
		}
		s.mu.Unlock()
	}

	switch domain.EventType(env.Type) {
	case domain.EventReady:
		if err := s.handleReady(ctx, env); err != nil {
			return err
		}
	case domain.EventResumed:
		s.logger.Info("session resumed", "session_id", s.Identity().SessionID)
	}

	if s.opts.Dispatcher == nil {
		return nil
	}
	return s.opts.Dispatcher.Dispatch(ctx, env)
}

func (s *Session) handleReady(ctx context.Context, env domain.Envelope) error {
	var ready domain.Ready
	if !env.HasData() {
		return domain.NewDomainError("Session.HandleEnvelope", domain.ErrProtocolCompat, "READY without payload")
	}
	if err := json.Unmarshal(env.Data, &ready); err != nil {
		return domain.NewDomainError("Session.HandleEnvelope", domain.ErrProtocolCompat, fmt.Sprintf("decode READY: %v", err))
	}

	s.mu.Lock()
	s.identity.SessionID = ready.SessionID
	s.identity.ResumeURL = ready.ResumeGatewayURL
	s.mu.Unlock()
	if rs, ok := s.transport.(resumeURLSetter); ok {
		rs.SetResumeURL(ready.ResumeGatewayURL)
	}
	s.logger.Info("session ready", "session_id", ready.SessionID)

	if s.opts.Store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := s.opts.Store.Save(sctx, s.opts.ShardID, s.Identity()); err != nil {
			s.logger.Warn("persist identity", "error", err)
		}
	}
	return nil
}

// forgetIdentity drops the session id and sequence so the next HELLO
// identifies from scratch.
func (s *Session) forgetIdentity(ctx context.Context) {
	s.mu.Lock()
	s.identity = domain.Identity{}
	s.mu.Unlock()
	if rs, ok := s.transport.(resumeURLSetter); ok {
		rs.SetResumeURL("")
	}
	if s.opts.Store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.opts.Store.Clear(sctx, s.opts.ShardID); err != nil {
		s.logger.Warn("clear persisted identity", "error", err)
	}
}

// handshake answers HELLO with RESUME or IDENTIFY and starts heartbeating.
// A Restart from outside the receive loop can replace the connection while
// the handshake runs; the handshake then stops without touching the new one.
func (s *Session) handshake(ctx context.Context, interval time.Duration) (err error) {
	s.mu.Lock()
	conn := s.conn
	id := s.identity
	status := s.status
	if !id.Resumable() {
		s.pending = false
	}
	s.mu.Unlock()

	kind := "identify"
	if id.Resumable() {
		kind = "resume"
	}
	ctx, span := tracer.StartSpan(ctx, "gateway.handshake", trace.WithAttributes(
		tracer.ShardAttr(s.opts.ShardID),
		tracer.StringAttr("gateway.handshake", kind),
	))
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		}
		span.End()
	}()

	if !s.setStateOn(conn, StateHandshaking) {
		return nil
	}

	var env domain.Envelope
	if id.Resumable() {
		s.logger.Info("resuming session", "session_id", id.SessionID, "seq", *id.Seq)
		env, err = domain.NewEnvelope(domain.OpResume, domain.Resume{
			Token:     s.opts.Token,
			SessionID: id.SessionID,
			Seq:       *id.Seq,
		})
	} else {
		if s.opts.IdentifyGate != nil {
			if err := s.opts.IdentifyGate.Wait(ctx, s.opts.ShardID); err != nil {
				return domain.WrapOp("Session.Identify", err)
			}
		}
		payload := domain.Identify{
			Token:          s.opts.Token,
			Properties:     s.opts.Properties,
			Intents:        s.opts.Intents,
			LargeThreshold: s.opts.LargeThreshold,
			Presence:       status,
		}
		if s.opts.ShardCount > 0 {
			payload.Shard = &[2]int{s.opts.ShardID, s.opts.ShardCount}
		}
		s.logger.Info("identifying", "intents", int(s.opts.Intents))
		env, err = domain.NewEnvelope(domain.OpIdentify, payload)
	}
	if err != nil {
		return err
	}
	if !s.current(conn) {
		s.logger.Debug("connection replaced during handshake")
		return nil
	}
	if err := s.transport.Send(ctx, env); err != nil {
		return domain.WrapOp("Session.Handshake", err)
	}

	if !s.startHeartbeat(conn, interval) || !s.setStateOn(conn, StateActive) {
		s.logger.Debug("connection replaced during handshake")
		return nil
	}
	s.flushStatus(ctx)
	return nil
}
