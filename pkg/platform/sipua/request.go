package sipua

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// RequestOpt модифицирует исходящее SIP сообщение
type RequestOpt func(msg sip.Message)

// WithContentType устанавливает Content-Type
func WithContentType(contentType string) RequestOpt {
	return func(msg sip.Message) {
		ct := sip.ContentTypeHeader(contentType)
		msg.AppendHeader(&ct)
	}
}

// WithExpires устанавливает Expires
func WithExpires(seconds uint32) RequestOpt {
	return func(msg sip.Message) {
		expires := sip.ExpiresHeader(seconds)
		msg.AppendHeader(&expires)
	}
}

// WithMaxForwards устанавливает Max-Forwards
func WithMaxForwards(hops int) RequestOpt {
	return func(msg sip.Message) {
		maxForwards := sip.MaxForwardsHeader(hops)
		msg.AppendHeader(&maxForwards)
	}
}

// WithAllow перечисляет поддерживаемые методы
func WithAllow(methods ...string) RequestOpt {
	return func(msg sip.Message) {
		msg.AppendHeader(sip.NewHeader("Allow", strings.Join(methods, ", ")))
	}
}

// WithBody устанавливает тело и его тип
func WithBody(contentType string, body []byte) RequestOpt {
	return func(msg sip.Message) {
		WithContentType(contentType)(msg)
		msg.SetBody(body)
	}
}

var allowedMethods = []string{"INVITE", "ACK", "CANCEL", "BYE", "MESSAGE", "INFO", "OPTIONS"}

// registrarURI разбирает адрес сервера: host, host:port или полный SIP URI
func registrarURI(server string) (sip.Uri, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return sip.Uri{}, fmt.Errorf("empty SIP server address")
	}
	lower := strings.ToLower(server)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		server = "sip:" + server
	}

	var uri sip.Uri
	if err := sip.ParseUri(server, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("invalid SIP server %q: %w", server, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("invalid SIP server %q: empty host", server)
	}
	return uri, nil
}

// targetURI адрес назначения: номер на сервере регистрации либо полный SIP URI
func targetURI(target string, registrar sip.Uri) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	lower := strings.ToLower(target)
	hasScheme := strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:")
	if hasScheme || strings.Contains(target, "@") {
		if !hasScheme {
			target = "sip:" + target
		}
		var uri sip.Uri
		if err := sip.ParseUri(target, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("invalid target %q: %w", target, err)
		}
		return uri, nil
	}

	uri := sip.Uri{
		Scheme: registrar.Scheme,
		User:   target,
		Host:   registrar.Host,
		Port:   registrar.Port,
	}
	if uri.Scheme == "" {
		uri.Scheme = "sip"
	}
	return uri, nil
}

// aorURI адрес учетной записи (address of record)
func aorURI(username string, registrar sip.Uri) sip.Uri {
	scheme := registrar.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	return sip.Uri{Scheme: scheme, User: username, Host: registrar.Host}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// newOutOfDialogRequest создает запрос вне диалога: From с новым тегом,
// To без тега, свои Call-ID и CSeq
func newOutOfDialogRequest(method sip.RequestMethod, recipient sip.Uri, from *sip.FromHeader, to sip.Uri, callID string, seq uint32, opts ...RequestOpt) *sip.Request {
	req := sip.NewRequest(method, recipient)

	fromHdr := &sip.FromHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      sip.NewParams(),
	}
	if tag, ok := from.Params.Get("tag"); ok {
		fromHdr.Params.Add("tag", tag)
	} else {
		fromHdr.Params.Add("tag", newTag())
	}
	req.AppendHeader(fromHdr)
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	WithMaxForwards(70)(req)

	for _, opt := range opts {
		opt(req)
	}
	return req
}

// newCancelRequest создает CANCEL для отправленного INVITE
func newCancelRequest(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancelReq)
	WithMaxForwards(70)(cancelReq)

	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	cancelReq.SetTransport(invite.Transport())
	cancelReq.SetDestination(invite.Destination())
	return cancelReq
}

// setToTag задает тег To в ответе UAS
func setToTag(res *sip.Response, tag string) {
	if to := res.To(); to != nil && tag != "" {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", tag)
	}
}
