package sipua

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPayload(t *testing.T) {
	assert.Equal(t, []byte{11, 0x0A, 0x03, 0x20}, eventPayload(11, 800, false))
	assert.Equal(t, []byte{5, 0x8A, 0x03, 0x20}, eventPayload(5, 800, true))
}

func TestDTMFPackets(t *testing.T) {
	d := &dtmfSender{payloadType: 101, ssrc: 42, seq: 65534, timestamp: 1000, interval: 20 * time.Millisecond}

	pkts := d.packets(1, 100*time.Millisecond)
	// 4 промежуточных пакета (160..640) и 3 конечных
	require.Len(t, pkts, 7)

	for i, p := range pkts {
		assert.Equal(t, uint8(101), p.PayloadType)
		assert.Equal(t, uint32(1000), p.Timestamp, "timestamp is shared by the whole event")
		assert.Equal(t, uint32(42), p.SSRC)
		assert.Equal(t, i == 0, p.Marker)
		assert.Equal(t, uint8(1), p.Payload[0])
	}
	assert.Equal(t, uint16(65534), pkts[0].SequenceNumber)
	assert.Equal(t, uint16(0), pkts[2].SequenceNumber, "sequence wraps around")

	assert.Equal(t, uint16(160), durationOf(pkts[0]))
	assert.Equal(t, uint16(640), durationOf(pkts[3]))
	for _, p := range pkts[4:] {
		assert.Equal(t, uint16(800), durationOf(p))
		assert.NotZero(t, p.Payload[1]&0x80, "end flag")
	}
	assert.Zero(t, pkts[3].Payload[1]&0x80)
}

func durationOf(p *rtp.Packet) uint16 {
	return uint16(p.Payload[2])<<8 | uint16(p.Payload[3])
}

func TestDTMFSenderSend(t *testing.T) {
	remote, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()
	port := remote.LocalAddr().(*net.UDPAddr).Port

	sender, err := newDTMFSender(0, mediaInfo{Address: "127.0.0.1", Port: port, DTMF: true, DTMFPayload: 96})
	require.NoError(t, err)
	defer sender.Close()
	sender.interval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, "1#"))

	var events []uint8
	var stamps []uint32
	buf := make([]byte, 1500)
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		n, _, err := remote.ReadFrom(buf)
		if err != nil {
			break
		}
		var p rtp.Packet
		require.NoError(t, p.Unmarshal(buf[:n]))
		assert.Equal(t, uint8(96), p.PayloadType)
		if p.Marker {
			events = append(events, p.Payload[0])
			stamps = append(stamps, p.Timestamp)
		}
		if len(events) == 2 && p.Payload[1]&0x80 != 0 && p.Payload[0] == 11 {
			break
		}
	}
	assert.Equal(t, []uint8{1, 11}, events)
	require.Len(t, stamps, 2)
	assert.Equal(t, uint32(1280), stamps[1]-stamps[0], "next event starts after duration and gap")
}

func TestDTMFSenderRejectsUnknownSymbol(t *testing.T) {
	remote, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()

	sender, err := newDTMFSender(0, mediaInfo{Address: "127.0.0.1", Port: remote.LocalAddr().(*net.UDPAddr).Port})
	require.NoError(t, err)
	defer sender.Close()

	assert.Error(t, sender.Send(context.Background(), "x"))
	assert.Equal(t, uint8(payloadDTMF), sender.payloadType)
}

func TestNewDTMFSenderRequiresAddress(t *testing.T) {
	_, err := newDTMFSender(0, mediaInfo{DTMF: true})
	assert.Error(t, err)
}
