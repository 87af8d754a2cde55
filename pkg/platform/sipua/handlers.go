package sipua

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
)

func (s *Shim) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.log.LogError(context.Background(), err, "Failed to send response",
			logger.String("method", req.Method.String()),
			logger.Int("status", code))
	}
}

// handleInvite входящий звонок: 180 Ringing и событие incoming
func (s *Shim) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	from := req.From()
	if from == nil || req.To() == nil || req.CallID() == nil {
		s.respond(req, tx, 400, "Bad Request")
		return
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.respond(req, tx, 486, "Busy Here")
		return
	}
	c := &call{
		number:      from.Address.User,
		displayName: from.DisplayName,
		direction:   events.DirectionIncoming,
		callID:      req.CallID().Value(),
		invite:      req,
		tx:          tx,
		localTag:    newTag(),
	}
	s.active = c
	s.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	setToTag(ringing, c.localTag)
	if err := tx.Respond(ringing); err != nil {
		s.log.LogError(context.Background(), err, "Failed to send 180 Ringing", logger.String("call_id", c.callID))
	}

	s.log.Info(context.Background(), "Incoming call",
		logger.String("from", from.Address.String()),
		logger.String("call_id", c.callID))
	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":       "incoming",
		"direction":   string(events.DirectionIncoming),
		"number":      c.number,
		"displayName": c.displayName,
	}))
}

func (s *Shim) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.log.Debug(context.Background(), "ACK received", logger.String("call_id", callID(req)))
}

// handleBye удаленная сторона завершила звонок
func (s *Shim) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	c := s.takeCall(callID(req))
	if c == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":     "ended",
		"direction": string(c.direction),
		"number":    c.number,
		"reason":    "remote-hangup",
	}))
}

// handleCancel вызывающая сторона отменила входящий звонок до ответа
func (s *Shim) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s.mu.Lock()
	c := s.active
	if c == nil || c.callID != id || c.connected || c.outgoing() {
		s.mu.Unlock()
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.active = nil
	s.mu.Unlock()

	s.respond(req, tx, 200, "OK")
	if c.tx != nil {
		terminated := sip.NewResponseFromRequest(c.invite, 487, "Request Terminated", nil)
		setToTag(terminated, c.localTag)
		_ = c.tx.Respond(terminated)
	}
	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":     "ended",
		"direction": string(events.DirectionIncoming),
		"number":    c.number,
		"reason":    "cancelled",
	}))
}

// handleMessage входящее текстовое сообщение
func (s *Shim) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, 200, "OK")
	s.Publish(events.KindMessage, s.stamp(messageRaw(req)))
}

// handleInfo DTMF от удаленной стороны только логируется
func (s *Shim) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, 200, "OK")
	s.log.Debug(context.Background(), "INFO received",
		logger.String("call_id", callID(req)),
		logger.String("body", string(req.Body())))
}

func (s *Shim) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	WithAllow(allowedMethods...)(res)
	if err := tx.Respond(res); err != nil {
		s.log.LogError(context.Background(), err, "Failed to answer OPTIONS")
	}
}

// takeCall снимает активный звонок с заданным Call-ID
func (s *Shim) takeCall(id string) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.active
	if c == nil || c.callID != id {
		return nil
	}
	s.active = nil
	c.release()
	return c
}

// messageRaw сырое событие входящего MESSAGE
func messageRaw(req *sip.Request) map[string]interface{} {
	payload := map[string]interface{}{
		"text": string(req.Body()),
	}
	if from := req.From(); from != nil {
		payload["from"] = from.Address.User
		if from.DisplayName != "" {
			payload["displayName"] = from.DisplayName
		}
	}
	if to := req.To(); to != nil {
		payload["to"] = to.Address.User
	}
	raw := map[string]interface{}{
		"event":   "received",
		"payload": payload,
	}
	if ct := req.GetHeader("Content-Type"); ct != nil && !strings.HasPrefix(strings.ToLower(ct.Value()), "text/") {
		raw["contentType"] = ct.Value()
	}
	return raw
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
