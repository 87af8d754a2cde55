package sipua

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Режимы передачи DTMF
const (
	// DTMFAuto RFC 4733 события в RTP, если собеседник согласовал
	// telephone-event, иначе SIP INFO
	DTMFAuto = "auto"
	// DTMFInfo только SIP INFO (application/dtmf-relay)
	DTMFInfo = "info"
	// DTMFRFC4733 только RTP события; без согласования отправка невозможна
	DTMFRFC4733 = "rfc4733"
)

const (
	dtmfClockRate = 8000
	dtmfDuration  = 100 * time.Millisecond
	dtmfGap       = 60 * time.Millisecond
	// dtmfVolume уровень -10 dBm0
	dtmfVolume = 10
	// dtmfEndRepeats число повторов конечного пакета события
	dtmfEndRepeats = 3
)

// dtmfEvents коды событий RFC 4733 для символов тона
var dtmfEvents = map[rune]uint8{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
	'a': 12, 'b': 13, 'c': 14, 'd': 15,
}

// dtmfSender отправляет DTMF как RFC 4733 события в RTP поток собеседника.
// Аудио не передается, поток состоит только из событий.
type dtmfSender struct {
	mu sync.Mutex

	conn   net.PacketConn
	remote net.Addr

	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32

	// interval шаг между пакетами одного события
	interval time.Duration
}

// newDTMFSender открывает UDP сокет на localPort (или на свободном порту,
// если он занят) и направляет события на адрес из SDP собеседника
func newDTMFSender(localPort int, info mediaInfo) (*dtmfSender, error) {
	if info.Address == "" || info.Port <= 0 {
		return nil, fmt.Errorf("remote media address is unknown")
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(info.Address, strconv.Itoa(info.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve remote media address: %w", err)
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		conn, err = net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, fmt.Errorf("open RTP socket: %w", err)
		}
	}

	pt := info.DTMFPayload
	if pt == 0 {
		pt = payloadDTMF
	}
	return &dtmfSender{
		conn:        conn,
		remote:      remote,
		payloadType: pt,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Uint32()),
		timestamp:   rand.Uint32(),
		interval:    20 * time.Millisecond,
	}, nil
}

// Send передает тон посимвольно. Каждый символ это одно событие:
// пакеты с растущей длительностью, затем три конечных пакета.
func (d *dtmfSender) Send(ctx context.Context, tone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range tone {
		code, ok := dtmfEvents[r]
		if !ok {
			return fmt.Errorf("unsupported DTMF symbol %q", r)
		}
		for _, pkt := range d.packets(code, dtmfDuration) {
			raw, err := pkt.Marshal()
			if err != nil {
				return fmt.Errorf("marshal DTMF packet: %w", err)
			}
			if _, err := d.conn.WriteTo(raw, d.remote); err != nil {
				return fmt.Errorf("send DTMF packet: %w", err)
			}
			if err := d.wait(ctx, d.interval); err != nil {
				return err
			}
		}
		d.timestamp += uint32(samples(dtmfDuration + dtmfGap))
		if err := d.wait(ctx, dtmfGap); err != nil {
			return err
		}
	}
	return nil
}

// packets пакеты одного события. Timestamp общий для всего события,
// marker выставлен только у первого пакета.
func (d *dtmfSender) packets(code uint8, duration time.Duration) []*rtp.Packet {
	total := uint16(samples(duration))
	step := uint16(samples(d.interval))
	if step == 0 || step > total {
		step = total
	}

	var out []*rtp.Packet
	for dur := step; dur < total; dur += step {
		out = append(out, d.packet(code, dur, false, len(out) == 0))
	}
	for i := 0; i < dtmfEndRepeats; i++ {
		out = append(out, d.packet(code, total, true, len(out) == 0))
	}
	return out
}

// samples длительность в тактах RTP часов 8 кГц
func samples(d time.Duration) int64 {
	return int64(d / (time.Second / dtmfClockRate))
}

func (d *dtmfSender) packet(code uint8, duration uint16, end, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    d.payloadType,
			SequenceNumber: d.seq,
			Timestamp:      d.timestamp,
			SSRC:           d.ssrc,
		},
		Payload: eventPayload(code, duration, end),
	}
	d.seq++
	return pkt
}

// eventPayload полезная нагрузка RFC 4733: event(8) | E R volume(6) | duration(16)
func eventPayload(code uint8, duration uint16, end bool) []byte {
	data := make([]byte, 4)
	data[0] = code
	if end {
		data[1] |= 0x80
	}
	data[1] |= dtmfVolume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

func (d *dtmfSender) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *dtmfSender) Close() error {
	return d.conn.Close()
}
