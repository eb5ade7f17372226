package sipua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const (
	payloadTypePCMU           uint8 = 0
	payloadTypePCMA           uint8 = 8
	payloadTypeTelephoneEvent uint8 = 101

	contentTypeSDP = "application/sdp"
	ptime          = 20
)

var codecNames = map[uint8]string{
	payloadTypePCMU: "PCMU/8000",
	payloadTypePCMA: "PCMA/8000",
}

// sdpParams параметры локального описания медиа
type sdpParams struct {
	SessionID    uint64
	Host         string
	Port         int
	PayloadTypes []uint8
	DTMF         bool
	// DTMFPayloadType payload type telephone-event, 0 означает 101
	DTMFPayloadType uint8
}

// remoteMedia параметры удаленной стороны из SDP
type remoteMedia struct {
	Host            string
	Port            int
	PayloadTypes    []uint8
	DTMF            bool
	DTMFPayloadType uint8
}

// buildSDP формирует SDP с одним audio потоком sendrecv.
func buildSDP(p sdpParams) ([]byte, error) {
	if p.Host == "" || p.Port <= 0 {
		return nil, errors.New("sdp: host and port are required")
	}
	dtmfPT := p.DTMFPayloadType
	if dtmfPT == 0 {
		dtmfPT = payloadTypeTelephoneEvent
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.SessionID,
			SessionVersion: p.SessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.Host,
		},
		SessionName: "siphook",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	formats := make([]string, 0, len(p.PayloadTypes)+1)
	for _, pt := range p.PayloadTypes {
		formats = append(formats, strconv.Itoa(int(pt)))
	}
	if p.DTMF {
		formats = append(formats, strconv.Itoa(int(dtmfPT)))
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: p.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
	}
	for _, pt := range p.PayloadTypes {
		if name, ok := codecNames[pt]; ok {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s", pt, name),
			})
		}
	}
	if p.DTMF {
		media.Attributes = append(media.Attributes,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", dtmfPT)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", dtmfPT)},
		)
	}
	media.Attributes = append(media.Attributes,
		sdp.Attribute{Key: "ptime", Value: strconv.Itoa(ptime)},
		sdp.Attribute{Key: "sendrecv"},
	)
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	return desc.Marshal()
}

// parseSDP извлекает адрес и кодеки первого audio потока.
func parseSDP(body []byte) (remoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return remoteMedia{}, errors.Wrap(err, "sdp: unmarshal")
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return remoteMedia{}, errors.New("sdp: no audio media")
	}

	rm := remoteMedia{Port: audio.MediaName.Port.Value}
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		rm.Host = audio.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		rm.Host = desc.ConnectionInformation.Address.Address
	default:
		rm.Host = desc.Origin.UnicastAddress
	}

	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		rm.PayloadTypes = append(rm.PayloadTypes, uint8(pt))
	}
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" || !strings.Contains(strings.ToLower(attr.Value), "telephone-event") {
			continue
		}
		fields := strings.Fields(attr.Value)
		if pt, err := strconv.Atoi(fields[0]); err == nil {
			rm.DTMF = true
			rm.DTMFPayloadType = uint8(pt)
		}
	}
	return rm, nil
}

// negotiate выбирает первый поддерживаемый кодек в порядке offer.
func negotiate(offered, supported []uint8) (uint8, bool) {
	for _, o := range offered {
		for _, s := range supported {
			if o == s {
				return o, true
			}
		}
	}
	return 0, false
}
