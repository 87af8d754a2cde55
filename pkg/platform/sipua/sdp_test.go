package sipua

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOffer(t *testing.T) {
	offer, err := buildOffer("192.0.2.10", 10000, time.Unix(1700000000, 0))
	require.NoError(t, err)

	body := string(offer)
	assert.Contains(t, body, "m=audio 10000 RTP/AVP 0 8 101")
	assert.Contains(t, body, "c=IN IP4 192.0.2.10")
	assert.Contains(t, body, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, body, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, body, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, body, "a=sendrecv")

	info, err := parseMedia(offer)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", info.Address)
	assert.Equal(t, 10000, info.Port)
	assert.Equal(t, "PCMU", info.Codec)
	assert.True(t, info.DTMF)
}

func TestBuildAnswerSelectsOfferedCodec(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.5",
		"s=-",
		"c=IN IP4 198.51.100.5",
		"t=0 0",
		"m=audio 40000 RTP/AVP 8 101",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:101 telephone-event/8000",
		"",
	}, "\r\n")

	answer, err := buildAnswer([]byte(offer), "192.0.2.10", 12000, time.Now())
	require.NoError(t, err)

	info, err := parseMedia(answer)
	require.NoError(t, err)
	assert.Equal(t, "PCMA", info.Codec)
	assert.Equal(t, 12000, info.Port)
	assert.Equal(t, "192.0.2.10", info.Address)
	assert.True(t, info.DTMF)
}

func TestBuildAnswerWithoutCompatibleCodec(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.5",
		"s=-",
		"c=IN IP4 198.51.100.5",
		"t=0 0",
		"m=audio 40000 RTP/AVP 9",
		"a=rtpmap:9 G722/8000",
		"",
	}, "\r\n")

	_, err := buildAnswer([]byte(offer), "192.0.2.10", 12000, time.Now())
	assert.Error(t, err)

	_, err = buildAnswer([]byte("not sdp"), "192.0.2.10", 12000, time.Now())
	assert.Error(t, err)
}

func TestParseMediaTelephoneEventPayload(t *testing.T) {
	answer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.5",
		"s=-",
		"t=0 0",
		"m=audio 40002 RTP/AVP 0 96",
		"c=IN IP4 198.51.100.7",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:96 telephone-event/8000",
		"",
	}, "\r\n")

	info, err := parseMedia([]byte(answer))
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", info.Address)
	assert.Equal(t, 40002, info.Port)
	assert.True(t, info.DTMF)
	assert.Equal(t, uint8(96), info.DTMFPayload)
}
