package session

import (
	"errors"
	"fmt"
	"time"

	"appforge/internal/model"
	"appforge/internal/protocol"
	"appforge/internal/service/decision"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
	"appforge/pkg/status"
	storemodel "appforge/pkg/store/mysql/model"
)

func (s *Session) attachOperator(p *Peer) error {
	replay := make([][]byte, 0, len(s.history)+1)
	for _, e := range s.history {
		replay = append(replay, []byte(e.Line))
	}
	done, err := protocol.Encode(protocol.NewReplayComplete(s.id, len(s.history)))
	if err != nil {
		return err
	}
	replay = append(replay, done)

	// history and registration happen in one actor step, so the peer sees
	// every entry exactly once: buffered ones via replay, later ones live.
	p.setReplay(replay)
	s.operators[p.ID] = p
	logger.InfoCtx(s.ctx, "operator %s attached, replaying %d entries", p.ID, len(s.history))
	return nil
}

func (s *Session) attachWorker(p *Peer) error {
	if s.phase.IsTerminal() {
		return fmt.Errorf("session %s is %s: %w", s.id, s.phase, orcherr.ErrSessionTerminal)
	}
	s.candidates[p.ID] = p
	return nil
}

func (s *Session) detach(p *Peer) {
	switch {
	case p.Role == model.RoleOperator:
		if _, ok := s.operators[p.ID]; ok {
			delete(s.operators, p.ID)
			s.touchIdle()
			logger.InfoCtx(s.ctx, "operator %s detached", p.ID)
		}
	case s.worker == p:
		s.worker = nil
		s.audit(storemodel.EventWorkerDisconnected, s.phase, s.phase, "connection closed")
		if s.phase.IsTerminal() {
			return
		}
		if s.workerExited != nil {
			s.failWorkerExit(*s.workerExited)
			return
		}
		s.graceDeadline = s.m.now().Add(s.m.opts.Timings.ReconnectGrace)
		logger.WarnCtx(s.ctx, "worker disconnected, waiting %s for it to reconnect", s.m.opts.Timings.ReconnectGrace)
	default:
		delete(s.candidates, p.ID)
	}
}

// route applies one validated inbound message.
func (s *Session) route(p *Peer, msg *protocol.Message) {
	if p.closed() {
		s.drop(p, msg, "stale", errors.New("connection already closed"))
		return
	}
	if p.Role == model.RoleOperator {
		if _, ok := s.operators[p.ID]; !ok {
			s.drop(p, msg, "stale", errors.New("operator not attached"))
			return
		}
		s.routeOperator(p, msg)
		return
	}
	s.routeWorker(p, msg)
}

func (s *Session) routeWorker(p *Peer, msg *protocol.Message) {
	if s.phase.IsTerminal() {
		s.drop(p, msg, "late", fmt.Errorf("session already %s", s.phase))
		return
	}
	if msg.Type == protocol.TypeReady {
		s.workerReady(p, msg.Payload.(*protocol.Ready))
		return
	}
	if s.worker != p {
		if _, pending := s.candidates[p.ID]; pending {
			s.drop(p, msg, "not_ready", errors.New("worker has not sent ready"))
		} else {
			s.drop(p, msg, "stale", errors.New("not the session's worker"))
		}
		return
	}

	switch payload := msg.Payload.(type) {
	case *protocol.Log, *protocol.Progress, *protocol.IterationComplete:
		s.broadcastRaw(msg.Raw)

	case *protocol.DecisionPrompt:
		prompt, err := s.tracker.Open(payload)
		if err != nil {
			s.drop(p, msg, "decision", err)
			s.send(p, recoverableError(s.id, err))
			return
		}
		s.broadcast(payload.ForOperator(s.id, prompt.CorrelationID, prompt.Deadline))

	case *protocol.AllWorkComplete:
		s.broadcastRaw(msg.Raw)
		s.transition(model.PhaseCompleted, "all work complete")

	case *protocol.Error:
		text := s.m.opts.Sanitizer.SanitizeSensitiveInfo(payload.Message, s.secrets()...)
		if payload.Recoverable {
			out := protocol.NewError(s.id, text)
			out.Recoverable = true
			s.broadcast(out)
			return
		}
		s.failure = text
		s.broadcast(protocol.NewError(s.id, text))
		s.transition(model.PhaseFailed, text)
	}
}

func (s *Session) workerReady(p *Peer, ready *protocol.Ready) {
	if s.worker == p {
		return
	}
	if s.worker != nil {
		s.worker.close(ReasonReplaced)
	}
	delete(s.candidates, p.ID)
	s.worker = p
	s.readyDeadline = time.Time{}
	s.graceDeadline = time.Time{}
	s.workerExited = nil
	wasRecovering := s.recovering
	s.recovering = false
	s.audit(storemodel.EventWorkerConnected, s.phase, s.phase, ready.Version)
	logger.InfoCtx(s.ctx, "worker %s ready (version=%q, recovered=%v)", p.ID, ready.Version, wasRecovering)

	if s.phase == model.PhaseQueued && (s.m.opts.Timings.AutoStart || s.startRequested) {
		s.startGeneration("worker ready")
	}
}

func (s *Session) startGeneration(reason string) {
	if s.worker == nil {
		s.startRequested = true
		return
	}
	s.startRequested = false
	if s.sendWorker(protocol.NewStartGeneration(s.id)) {
		s.transition(model.PhaseGenerating, reason)
	}
}

func (s *Session) routeOperator(p *Peer, msg *protocol.Message) {
	switch payload := msg.Payload.(type) {
	case *protocol.DecisionResponse:
		if s.phase.IsTerminal() {
			s.drop(p, msg, "late", fmt.Errorf("session already %s", s.phase))
			s.send(p, recoverableError(s.id, orcherr.ErrSessionTerminal))
			return
		}
		res, err := s.tracker.Resolve(payload.CorrelationID, payload.Response)
		if err != nil {
			s.drop(p, msg, "decision", err)
			s.send(p, recoverableError(s.id, err))
			return
		}
		s.resolveDecision(res)

	case *protocol.StartGeneration:
		if s.phase != model.PhaseQueued {
			s.drop(p, msg, "rejected", fmt.Errorf("session already %s", s.phase))
			return
		}
		s.startGeneration("operator start")

	case *protocol.ControlCommand:
		if err := s.control(payload.Command, "operator "+p.ID); err != nil {
			s.drop(p, msg, "rejected", err)
			s.send(p, recoverableError(s.id, err))
		}

	case *protocol.Error:
		if payload.Recoverable || s.phase.IsTerminal() {
			logger.InfoCtx(s.ctx, "operator %s reported: %s", p.ID, payload.Message)
			return
		}
		text := s.m.opts.Sanitizer.SanitizeSensitiveInfo(payload.Message, s.secrets()...)
		s.failText(status.FailureUnknown, fmt.Errorf("operator reported: %s", text))
	}
}

// control applies pause, resume or cancel.
func (s *Session) control(cmd model.ControlCommand, by string) error {
	if s.phase.IsTerminal() {
		return fmt.Errorf("session %s is %s: %w", s.id, s.phase, orcherr.ErrSessionTerminal)
	}
	switch cmd {
	case model.CommandPause:
		if s.phase != model.PhaseGenerating {
			return fmt.Errorf("cannot pause from %s: %w", s.phase, ErrInvalidTransition)
		}
		s.sendWorker(protocol.NewControlCommand(s.id, cmd))
		s.transition(model.PhasePaused, "paused by "+by)
	case model.CommandResume:
		if s.phase != model.PhasePaused {
			return fmt.Errorf("cannot resume from %s: %w", s.phase, ErrInvalidTransition)
		}
		s.sendWorker(protocol.NewControlCommand(s.id, cmd))
		s.transition(model.PhaseGenerating, "resumed by "+by)
	case model.CommandCancel:
		s.transition(model.PhaseCancelled, "cancelled by "+by)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, ErrInvalidTransition)
	}
	return nil
}

func (s *Session) resolveDecision(res *decision.Resolution) {
	id := res.Prompt.CorrelationID
	if !s.sendWorker(protocol.NewDecisionResponse(s.id, id, res.Response, res.TimedOut)) {
		logger.WarnCtx(s.ctx, "no worker attached to receive decision %s", id)
	}
	s.broadcast(protocol.NewDecisionResolved(s.id, id, res.Response, res.TimedOut))
}

func (s *Session) drop(p *Peer, msg *protocol.Message, reason string, err error) {
	s.m.dropped(s.ctx, p, msg.Type, reason, err)
}

func recoverableError(requestID string, err error) *protocol.Error {
	e := protocol.NewError(requestID, err.Error())
	e.Recoverable = true
	return e
}
