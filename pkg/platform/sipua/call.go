package sipua

import (
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/voip_core/pkg/events"
)

// call активный звонок прослойки (один одновременно)
type call struct {
	number      string
	displayName string
	direction   events.CallDirection
	callID      string

	// invite исходный INVITE: наш для исходящего, удаленный для входящего
	invite *sip.Request
	// final 2xx на INVITE
	final *sip.Response

	// tx серверная транзакция входящего INVITE до ответа
	tx       sip.ServerTransaction
	localTag string

	connected bool
	cancel    func()

	// dtmf отправитель RFC 4733 событий, если собеседник согласовал telephone-event
	dtmf *dtmfSender

	seq uint32
}

func (c *call) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// release отменяет ожидание ответа и закрывает RTP сокет DTMF
func (c *call) release() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.dtmf != nil {
		_ = c.dtmf.Close()
		c.dtmf = nil
	}
}

func (c *call) outgoing() bool {
	return c.direction == events.DirectionOutgoing
}

// request создает запрос внутри установленного диалога
func (c *call) request(method sip.RequestMethod, seq uint32, opts ...RequestOpt) *sip.Request {
	var (
		target sip.Uri
		from   *sip.FromHeader
		to     *sip.ToHeader
	)

	if c.outgoing() {
		target = c.invite.Recipient
		if c.final != nil {
			if contact := c.final.Contact(); contact != nil {
				target = contact.Address
			}
		}
		from = sip.HeaderClone(c.invite.From()).(*sip.FromHeader)
		if c.final != nil && c.final.To() != nil {
			to = sip.HeaderClone(c.final.To()).(*sip.ToHeader)
		} else {
			to = sip.HeaderClone(c.invite.To()).(*sip.ToHeader)
		}
	} else {
		remote := c.invite.From()
		target = remote.Address
		if contact := c.invite.Contact(); contact != nil {
			target = contact.Address
		}
		from = &sip.FromHeader{Address: c.invite.To().Address, Params: sip.NewParams()}
		from.Params.Add("tag", c.localTag)
		to = &sip.ToHeader{DisplayName: remote.DisplayName, Address: remote.Address, Params: sip.NewParams()}
		if tag, ok := remote.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
	}

	req := sip.NewRequest(method, target)
	req.AppendHeader(from)
	req.AppendHeader(to)
	if h := c.invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	WithMaxForwards(70)(req)

	// Маршрут: Record-Route ответа в обратном порядке для UAC, запроса в прямом для UAS
	var routes []sip.Header
	if c.outgoing() && c.final != nil {
		routes = c.final.GetHeaders("Record-Route")
		for i := len(routes) - 1; i >= 0; i-- {
			if rr, ok := routes[i].(*sip.RecordRouteHeader); ok {
				req.AppendHeader(&sip.RouteHeader{Address: rr.Address})
			}
		}
	} else if !c.outgoing() {
		for _, h := range c.invite.GetHeaders("Record-Route") {
			if rr, ok := h.(*sip.RecordRouteHeader); ok {
				req.AppendHeader(&sip.RouteHeader{Address: rr.Address})
			}
		}
	}

	for _, opt := range opts {
		opt(req)
	}
	return req
}

// ack создает ACK на 2xx ответ исходящего INVITE
func (c *call) ack() *sip.Request {
	seq := uint32(1)
	if h := c.invite.CSeq(); h != nil {
		seq = h.SeqNo
	}
	return c.request(sip.ACK, seq)
}
