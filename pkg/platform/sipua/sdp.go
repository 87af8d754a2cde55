package sipua

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Поддерживаемые форматы аудио
const (
	payloadPCMU = 0
	payloadPCMA = 8
	payloadDTMF = 101
)

var codecNames = map[int]string{
	payloadPCMU: "PCMU",
	payloadPCMA: "PCMA",
}

// mediaInfo параметры аудио потока из SDP
type mediaInfo struct {
	Address string
	Port    int
	Codec   string
	DTMF    bool
	// DTMFPayload payload type telephone-event из rtpmap
	DTMFPayload uint8
}

// buildOffer создает SDP offer с PCMU, PCMA и telephone-event
func buildOffer(host string, port int, now time.Time) ([]byte, error) {
	desc := newSession(host, now)
	desc.MediaDescriptions = []*sdp.MediaDescription{
		audioMedia(host, port, []int{payloadPCMU, payloadPCMA}, true),
	}
	return desc.Marshal()
}

// buildAnswer создает SDP answer на offer: выбирается первый поддерживаемый
// кодек из предложенных, telephone-event сохраняется если был предложен
func buildAnswer(offer []byte, host string, port int, now time.Time) ([]byte, error) {
	remote := &sdp.SessionDescription{}
	if err := remote.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("parse SDP offer: %w", err)
	}

	audio := findAudio(remote)
	if audio == nil {
		return nil, fmt.Errorf("SDP offer has no audio media")
	}

	codec := -1
	dtmf := false
	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		if _, ok := codecNames[pt]; ok && codec < 0 {
			codec = pt
		}
		if pt == payloadDTMF {
			dtmf = true
		}
	}
	if codec < 0 {
		return nil, fmt.Errorf("no compatible codec among %v", audio.MediaName.Formats)
	}

	desc := newSession(host, now)
	desc.MediaDescriptions = []*sdp.MediaDescription{
		audioMedia(host, port, []int{codec}, dtmf),
	}
	return desc.Marshal()
}

// parseMedia извлекает адрес и кодек аудио потока
func parseMedia(body []byte) (mediaInfo, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return mediaInfo{}, fmt.Errorf("parse SDP: %w", err)
	}
	audio := findAudio(desc)
	if audio == nil {
		return mediaInfo{}, fmt.Errorf("SDP has no audio media")
	}

	info := mediaInfo{Port: audio.MediaName.Port.Value}
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		info.Address = audio.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		info.Address = desc.ConnectionInformation.Address.Address
	}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		if name, ok := codecNames[pt]; ok && info.Codec == "" {
			info.Codec = name
		}
		if pt == payloadDTMF {
			info.DTMF = true
			info.DTMFPayload = payloadDTMF
		}
	}
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" || !strings.Contains(strings.ToLower(attr.Value), "telephone-event") {
			continue
		}
		info.DTMF = true
		if fields := strings.Fields(attr.Value); len(fields) > 0 {
			if pt, err := strconv.ParseUint(fields[0], 10, 7); err == nil {
				info.DTMFPayload = uint8(pt)
			}
		}
	}
	return info, nil
}

func newSession(host string, now time.Time) *sdp.SessionDescription {
	id := uint64(now.Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "voip_core",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func audioMedia(host string, port int, codecs []int, dtmf bool) *sdp.MediaDescription {
	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(codecs)+4)
	for _, pt := range codecs {
		formats = append(formats, strconv.Itoa(pt))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", pt, codecNames[pt])))
	}
	if dtmf {
		formats = append(formats, strconv.Itoa(payloadDTMF))
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", payloadDTMF)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", payloadDTMF)),
		)
	}
	attrs = append(attrs,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute("sendrecv"),
	)

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		Attributes: attrs,
	}
}

func findAudio(desc *sdp.SessionDescription) *sdp.MediaDescription {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return m
		}
	}
	return nil
}
