// Package sipua реализует платформенную прослойку для десктопа поверх sipgo.
//
// Прослойка регистрируется на SIP сервере (с digest аутентификацией),
// совершает и принимает один звонок одновременно, отправляет DTMF событиями
// RFC 4733 (или через INFO, если telephone-event не согласован) и текстовые
// сообщения через MESSAGE. Аудио поток не поднимается: SDP используется для
// согласования кодека и адреса RTP собеседника.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Name имя прослойки
const Name = "sipua"

const maxAuthAttempts = 3

var errTransactionClosed = errors.New("transaction terminated without final response")

// Shim прослойка SIP user agent
type Shim struct {
	platform.Subscribers

	opts Options
	log  logger.StructuredLogger

	mu         sync.Mutex
	cfg        platform.SipConfig
	registrar  sip.Uri
	from       *sip.FromHeader
	contact    *sip.ContactHeader
	ua         *sipgo.UserAgent
	client     *sipgo.Client
	server     *sipgo.Server
	stop       context.CancelFunc
	regCallID  string
	registered bool
	active     *call
	route      events.AudioRoute

	seq uint32
}

var (
	_ platform.Shim     = (*Shim)(nil)
	_ platform.Disposer = (*Shim)(nil)
)

// New создает прослойку
func New(opts Options) *Shim {
	opts = opts.withDefaults()
	return &Shim{
		opts:  opts,
		log:   logger.OrNoop(opts.Logger).WithComponent("sipua_shim"),
		route: events.RouteSystem,
	}
}

// Factory фабрика для platform.Registry
func Factory(opts Options) platform.Factory {
	return func() platform.Shim { return New(opts) }
}

// Name имя прослойки
func (s *Shim) Name() string { return Name }

// Init создает user agent и запускает прием запросов
func (s *Shim) Init(ctx context.Context, cfg platform.SipConfig) error {
	registrar, err := registrarURI(cfg.SIPServer)
	if err != nil {
		return voiperr.New(voiperr.CodeInvalidConfig, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	aor := aorURI(cfg.Username, registrar)
	s.cfg = cfg
	s.registrar = registrar
	s.from = &sip.FromHeader{DisplayName: cfg.DisplayName, Address: aor, Params: sip.NewParams()}
	s.from.Params.Add("tag", newTag())
	s.contact = &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: cfg.Username, Host: s.opts.Hostname, Port: listenPort(s.opts.ListenAddr)},
		Params:  sip.NewParams(),
	}
	if s.ua != nil {
		s.log.Info(ctx, "SIP user agent already running, configuration refreshed",
			logger.String("server", registrar.String()))
		return nil
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(s.opts.UserAgent),
		sipgo.WithUserAgentHostname(s.opts.Hostname),
	)
	if err != nil {
		return fmt.Errorf("failed to create UA: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(s.opts.Hostname))
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	server.OnInvite(s.handleInvite)
	server.OnAck(s.handleAck)
	server.OnBye(s.handleBye)
	server.OnCancel(s.handleCancel)
	server.OnMessage(s.handleMessage)
	server.OnInfo(s.handleInfo)
	server.OnOptions(s.handleOptions)

	network := "udp"
	switch cfg.Transport {
	case platform.TransportTCP:
		network = "tcp"
	case platform.TransportTLS:
		// TLS листенер требует сертификатов, которых нет в SipConfig
		s.log.Warn(ctx, "TLS transport is not supported by the desktop shim, using tcp")
		network = "tcp"
	}

	listenCtx, stop := context.WithCancel(context.Background())
	go func() {
		if err := server.ListenAndServe(listenCtx, network, s.opts.ListenAddr); err != nil && listenCtx.Err() == nil {
			s.log.LogError(listenCtx, err, "SIP listener stopped",
				logger.String("network", network),
				logger.String("addr", s.opts.ListenAddr))
		}
	}()

	s.ua, s.client, s.server, s.stop = ua, client, server, stop
	s.regCallID = uuid.NewString()
	s.log.Info(ctx, "SIP user agent started",
		logger.String("network", network),
		logger.String("listen", s.opts.ListenAddr),
		logger.String("server", registrar.String()),
		logger.Any("config", cfg.Redacted()))
	return nil
}

// Dispose завершает звонок и останавливает user agent
func (s *Shim) Dispose(ctx context.Context) error {
	if err := s.Hangup(ctx); err != nil {
		s.log.LogError(ctx, err, "Hangup during dispose failed")
	}

	s.mu.Lock()
	ua, stop := s.ua, s.stop
	s.ua, s.client, s.server, s.stop = nil, nil, nil, nil
	s.registered = false
	s.active = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ua != nil {
		return ua.Close()
	}
	return nil
}

// Register регистрирует учетную запись на сервере
func (s *Shim) Register(ctx context.Context) error {
	if !s.initialized() {
		s.Publish(events.KindRegistration, s.stamp(map[string]interface{}{
			"status": "error",
			"error":  "Service not running",
		}))
		return voiperr.New(voiperr.CodeNotInitialized, "SIP user agent is not initialized")
	}

	s.Publish(events.KindRegistration, s.stamp(map[string]interface{}{"status": "progress"}))

	res, err := s.register(ctx, s.opts.Expires)
	if err == nil && !isSuccess(res) {
		err = statusError(res)
	}
	if err != nil {
		s.setRegistered(false)
		s.Publish(events.KindRegistration, s.stamp(map[string]interface{}{
			"status": "failed",
			"error":  err.Error(),
		}))
		return err
	}

	s.setRegistered(true)
	cfg := s.config()
	s.Publish(events.KindRegistration, s.stamp(map[string]interface{}{
		"status": "registered",
		"detail": map[string]interface{}{
			"server":   cfg.SIPServer,
			"username": cfg.Username,
			"expires":  int64(s.opts.Expires),
		},
	}))
	return nil
}

// Unregister снимает регистрацию (Expires: 0)
func (s *Shim) Unregister(ctx context.Context) error {
	if !s.initialized() {
		return voiperr.New(voiperr.CodeNotInitialized, "SIP user agent is not initialized")
	}
	res, err := s.register(ctx, 0)
	if err == nil && !isSuccess(res) {
		err = statusError(res)
	}
	s.setRegistered(false)
	if err != nil {
		return err
	}
	s.Publish(events.KindRegistration, s.stamp(map[string]interface{}{
		"status": "none",
		"reason": "unregistered",
	}))
	return nil
}

func (s *Shim) register(ctx context.Context, expires uint32) (*sip.Response, error) {
	s.mu.Lock()
	registrar, from, contact, callID := s.registrar, s.from, s.contact, s.regCallID
	s.mu.Unlock()

	contactHdr := &sip.ContactHeader{Address: contact.Address, Params: sip.NewParams()}
	_, res, err := s.doWithAuth(ctx, func() *sip.Request {
		req := newOutOfDialogRequest(sip.REGISTER, registrar, from, from.Address, callID, s.nextSeq(),
			WithExpires(expires))
		req.AppendHeader(contactHdr)
		return req
	})
	return res, err
}

// Dial отправляет INVITE и ждет ответа в отдельной горутине
func (s *Shim) Dial(ctx context.Context, number string) error {
	if !s.initialized() {
		return voiperr.New(voiperr.CodeNotInitialized, "SIP user agent is not initialized")
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return voiperr.New(voiperr.CodeUnknown, "Another call is already in progress")
	}
	registered := s.registered
	registrar, from, contact := s.registrar, s.from, s.contact
	s.mu.Unlock()

	if !registered {
		s.Publish(events.KindCall, s.stamp(map[string]interface{}{
			"state":  "error",
			"reason": "not-registered",
			"number": number,
		}))
		return nil
	}

	target, err := targetURI(number, registrar)
	if err != nil {
		return voiperr.New(voiperr.CodeInvalidNumber, err.Error())
	}
	offer, err := buildOffer(s.opts.Hostname, s.opts.RTPPort, s.opts.Now())
	if err != nil {
		return fmt.Errorf("build SDP offer: %w", err)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		number:    number,
		direction: events.DirectionOutgoing,
		callID:    uuid.NewString(),
		cancel:    cancel,
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		cancel()
		return voiperr.New(voiperr.CodeUnknown, "Another call is already in progress")
	}
	s.active = c
	s.mu.Unlock()

	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":     "dialing",
		"direction": string(events.DirectionOutgoing),
		"number":    number,
	}))

	contactHdr := &sip.ContactHeader{Address: contact.Address, Params: sip.NewParams()}
	build := func() *sip.Request {
		req := newOutOfDialogRequest(sip.INVITE, target, from, target, c.callID, s.nextSeq(),
			WithAllow(allowedMethods...),
			WithBody("application/sdp", offer))
		req.AppendHeader(contactHdr)

		s.mu.Lock()
		c.invite = req
		s.mu.Unlock()
		return req
	}

	go s.awaitAnswer(callCtx, c, build)
	return nil
}

// awaitAnswer ждет финального ответа на INVITE исходящего звонка
func (s *Shim) awaitAnswer(ctx context.Context, c *call, build func() *sip.Request) {
	req, res, err := s.doWithAuth(ctx, build)
	if ctx.Err() != nil {
		// звонок отменен через Hangup
		return
	}
	if err == nil && !isSuccess(res) {
		err = statusError(res)
	}
	if err != nil {
		if s.clearCall(c) {
			reason := "failed"
			if res != nil {
				reason = strings.ToLower(res.Reason)
			}
			s.Publish(events.KindCall, s.stamp(map[string]interface{}{
				"state":     "error",
				"direction": string(events.DirectionOutgoing),
				"number":    c.number,
				"reason":    reason,
				"error":     err.Error(),
			}))
		}
		return
	}

	s.mu.Lock()
	if s.active != c {
		s.mu.Unlock()
		return
	}
	c.invite, c.final, c.connected = req, res, true
	if h := req.CSeq(); h != nil {
		atomic.StoreUint32(&c.seq, h.SeqNo)
	}
	ack := c.ack()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		if err := client.WriteRequest(ack); err != nil {
			s.log.LogError(ctx, err, "Failed to send ACK", logger.String("call_id", c.callID))
		}
	}

	detail := map[string]interface{}{}
	if info, err := parseMedia(res.Body()); err == nil {
		detail["codec"] = info.Codec
		detail["remoteAddress"] = info.Address
		detail["remotePort"] = int64(info.Port)
		detail["dtmf"] = s.attachDTMF(ctx, c, info)
	}
	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":     "connected",
		"direction": string(events.DirectionOutgoing),
		"number":    c.number,
		"detail":    detail,
	}))
}

// Hangup завершает звонок: BYE для установленного, CANCEL для исходящего
// до ответа, 603 для входящего до ответа
func (s *Shim) Hangup(ctx context.Context) error {
	s.mu.Lock()
	c := s.active
	s.active = nil
	client := s.client
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	reason := "hangup"
	var err error
	switch {
	case c.connected:
		bye := c.request(sip.BYE, c.nextSeq())
		_, err = s.transaction(ctx, bye)
	case c.outgoing():
		if c.cancel != nil {
			c.cancel()
		}
		s.mu.Lock()
		invite := c.invite
		s.mu.Unlock()
		if invite != nil && client != nil {
			_, err = s.transaction(ctx, newCancelRequest(invite))
		}
	default:
		reason = "declined"
		if c.tx != nil {
			res := sip.NewResponseFromRequest(c.invite, 603, "Decline", nil)
			setToTag(res, c.localTag)
			err = c.tx.Respond(res)
		}
	}
	s.mu.Lock()
	c.release()
	s.mu.Unlock()

	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":     "ended",
		"direction": string(c.direction),
		"number":    c.number,
		"reason":    reason,
	}))
	if err != nil {
		s.log.LogError(ctx, err, "Hangup signalling failed", logger.String("call_id", c.callID))
	}
	return nil
}

// Answer принимает входящий звонок ответом 200 с SDP
func (s *Shim) Answer(ctx context.Context) error {
	s.mu.Lock()
	c := s.active
	if c == nil || c.outgoing() || c.connected || c.tx == nil {
		s.mu.Unlock()
		return voiperr.New(voiperr.CodeUnknown, "No incoming call to answer")
	}
	s.mu.Unlock()

	answer, err := buildAnswer(c.invite.Body(), s.opts.Hostname, s.opts.RTPPort, s.opts.Now())
	if err != nil {
		res := sip.NewResponseFromRequest(c.invite, sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		setToTag(res, c.localTag)
		_ = c.tx.Respond(res)
		s.clearCall(c)
		s.Publish(events.KindCall, s.stamp(map[string]interface{}{
			"state":     "error",
			"direction": string(events.DirectionIncoming),
			"number":    c.number,
			"error":     err.Error(),
		}))
		return voiperr.New(voiperr.CodeUnknown, err.Error())
	}

	res := sip.NewResponseFromRequest(c.invite, sip.StatusOK, "OK", answer)
	setToTag(res, c.localTag)
	WithContentType("application/sdp")(res)
	s.mu.Lock()
	res.AppendHeader(&sip.ContactHeader{Address: s.contact.Address, Params: sip.NewParams()})
	s.mu.Unlock()

	if err := c.tx.Respond(res); err != nil {
		return fmt.Errorf("respond 200 OK: %w", err)
	}

	s.mu.Lock()
	c.final, c.connected = res, true
	s.mu.Unlock()

	dtmfMode := DTMFInfo
	if info, err := parseMedia(c.invite.Body()); err == nil && info.DTMFPayload == payloadDTMF {
		dtmfMode = s.attachDTMF(ctx, c, info)
	}

	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":       "connected",
		"direction":   string(events.DirectionIncoming),
		"number":      c.number,
		"displayName": c.displayName,
		"detail":      map[string]interface{}{"dtmf": dtmfMode},
	}))
	return nil
}

// SendDTMF отправляет тоны RFC 4733 событиями в RTP, если они согласованы,
// иначе через SIP INFO (application/dtmf-relay)
func (s *Shim) SendDTMF(ctx context.Context, tone string) error {
	s.mu.Lock()
	c := s.active
	var sender *dtmfSender
	if c != nil {
		sender = c.dtmf
	}
	s.mu.Unlock()
	if c == nil || !c.connected {
		return voiperr.New(voiperr.CodeUnknown, "No active call for DTMF")
	}

	if sender != nil {
		if err := sender.Send(ctx, tone); err != nil {
			return fmt.Errorf("send RFC 4733 DTMF: %w", err)
		}
		s.log.Debug(ctx, "DTMF sent", logger.String("tone", tone), logger.String("mode", DTMFRFC4733),
			logger.String("call_id", c.callID))
		return nil
	}
	if s.opts.DTMFMode == DTMFRFC4733 {
		return voiperr.New(voiperr.CodeUnknown, "Remote party did not negotiate telephone-event")
	}

	for _, digit := range tone {
		body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, dtmfDuration.Milliseconds())
		req := c.request(sip.INFO, c.nextSeq(), WithBody("application/dtmf-relay", []byte(body)))
		res, err := s.transaction(ctx, req)
		if err != nil {
			return err
		}
		if !isSuccess(res) {
			return statusError(res)
		}
	}
	s.log.Debug(ctx, "DTMF sent", logger.String("tone", tone), logger.String("mode", DTMFInfo),
		logger.String("call_id", c.callID))
	return nil
}

// attachDTMF поднимает RFC 4733 отправитель для звонка. Возвращает
// выбранный способ передачи DTMF.
func (s *Shim) attachDTMF(ctx context.Context, c *call, info mediaInfo) string {
	if s.opts.DTMFMode == DTMFInfo || !info.DTMF {
		return DTMFInfo
	}
	sender, err := newDTMFSender(s.opts.RTPPort, info)
	if err != nil {
		s.log.Warn(ctx, "RFC 4733 DTMF unavailable, falling back to SIP INFO",
			logger.Err(err), logger.String("call_id", c.callID))
		return DTMFInfo
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != c {
		_ = sender.Close()
		return DTMFInfo
	}
	c.dtmf = sender
	return DTMFRFC4733
}

// SendMessage отправляет MESSAGE text/plain
func (s *Shim) SendMessage(ctx context.Context, to, text string) error {
	if !s.initialized() {
		return voiperr.New(voiperr.CodeNotInitialized, "SIP user agent is not initialized")
	}
	s.mu.Lock()
	registrar, from, username := s.registrar, s.from, s.cfg.Username
	s.mu.Unlock()

	target, err := targetURI(to, registrar)
	if err != nil {
		return voiperr.New(voiperr.CodeInvalidRecipient, err.Error())
	}

	callID := uuid.NewString()
	_, res, err := s.doWithAuth(ctx, func() *sip.Request {
		return newOutOfDialogRequest(sip.MESSAGE, target, from, target, callID, s.nextSeq(),
			WithBody("text/plain", []byte(text)))
	})
	if err == nil && !isSuccess(res) {
		err = statusError(res)
	}

	payload := map[string]interface{}{"from": username, "to": to, "text": text}
	if err != nil {
		s.Publish(events.KindMessage, s.stamp(map[string]interface{}{
			"event":   "failed",
			"payload": payload,
			"error":   err.Error(),
		}))
		return err
	}
	s.Publish(events.KindMessage, s.stamp(map[string]interface{}{
		"event":   "sent",
		"payload": payload,
	}))
	return nil
}

// SetAudioRoute на десктопе единственный маршрут: выбор только подтверждается событием
func (s *Shim) SetAudioRoute(ctx context.Context, route events.AudioRoute) error {
	s.mu.Lock()
	s.route = route
	s.mu.Unlock()
	s.Publish(events.KindAudioRoute, s.stamp(map[string]interface{}{
		"route":  string(route),
		"reason": "user",
	}))
	return nil
}

// doWithAuth отправляет запрос и повторяет его с digest учетными данными
// на 401/407. build вызывается на каждую попытку.
func (s *Shim) doWithAuth(ctx context.Context, build func() *sip.Request) (*sip.Request, *sip.Response, error) {
	cfg := s.config()
	var authName, authValue string

	for try := 0; try < maxAuthAttempts; try++ {
		req := build()
		if authValue != "" {
			req.AppendHeader(sip.NewHeader(authName, authValue))
		}

		res, err := s.transaction(ctx, req)
		if err != nil {
			return req, nil, err
		}

		var challengeName string
		switch res.StatusCode {
		case sip.StatusUnauthorized:
			challengeName, authName = "WWW-Authenticate", "Authorization"
		case sip.StatusProxyAuthRequired:
			challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
		default:
			return req, res, nil
		}

		hdr := res.GetHeader(challengeName)
		if hdr == nil {
			return req, res, fmt.Errorf("no %s header in %d response", challengeName, res.StatusCode)
		}
		challenge, err := digest.ParseChallenge(hdr.Value())
		if err != nil {
			return req, res, fmt.Errorf("invalid challenge %q: %w", hdr.Value(), err)
		}
		cred, err := digest.Digest(challenge, digest.Options{
			Method:   req.Method.String(),
			URI:      req.Recipient.String(),
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			return req, res, fmt.Errorf("digest: %w", err)
		}
		authValue = cred.String()
		s.log.Debug(ctx, "Retrying request with credentials",
			logger.String("method", req.Method.String()),
			logger.Int("status", int(res.StatusCode)))
	}
	return nil, nil, voiperr.New(voiperr.CodeUnknown, "Authentication failed")
}

// transaction отправляет запрос и ждет финальный ответ
func (s *Shim) transaction(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, voiperr.New(voiperr.CodeNotInitialized, "SIP user agent is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errTransactionClosed
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if res.StatusCode < 200 {
				s.onProvisional(req, res)
				continue
			}
			return res, nil
		}
	}
}

// onProvisional публикует 180/183 исходящего звонка
func (s *Shim) onProvisional(req *sip.Request, res *sip.Response) {
	if req.Method != sip.INVITE || (res.StatusCode != sip.StatusRinging && res.StatusCode != 183) {
		return
	}
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c == nil || !c.outgoing() {
		return
	}
	s.Publish(events.KindCall, s.stamp(map[string]interface{}{
		"state":     "dialing",
		"direction": string(events.DirectionOutgoing),
		"number":    c.number,
		"reason":    strings.ToLower(res.Reason),
	}))
}

func (s *Shim) initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Shim) config() platform.SipConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Shim) setRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

// Registered признак успешной регистрации
func (s *Shim) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// AudioRoute последний выбранный маршрут звука
func (s *Shim) AudioRoute() events.AudioRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

func (s *Shim) nextSeq() uint32 {
	return atomic.AddUint32(&s.seq, 1)
}

// clearCall снимает звонок, если он еще активен
func (s *Shim) clearCall(c *call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != c {
		return false
	}
	s.active = nil
	c.release()
	return true
}

func (s *Shim) stamp(raw map[string]interface{}) map[string]interface{} {
	raw["timestamp"] = s.opts.Now().UnixMilli()
	return raw
}

func isSuccess(res *sip.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode < 300
}

func statusError(res *sip.Response) error {
	if res == nil {
		return errTransactionClosed
	}
	return &voiperr.NormalizedError{
		Code:    voiperr.CodeUnknown,
		Message: fmt.Sprintf("%d %s", res.StatusCode, res.Reason),
		Detail:  map[string]interface{}{"status": int64(res.StatusCode), "reason": res.Reason},
	}
}
