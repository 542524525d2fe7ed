// Package mediastream implements the telephony media-stream websocket frames
// (Twilio Media Streams, bidirectional).
package mediastream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

type Connected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type Media struct {
	StreamSID string
	Track     string
	Timestamp int64
	Payload   string
}

type Mark struct {
	StreamSID string
	Name      string
}

type DTMF struct {
	StreamSID string
	Digit     string
}

type Stop struct {
	StreamSID string
	CallSID   string
}

// Ignored is any inbound event the bridge does not act on.
type Ignored struct {
	Event string
}

// Millis decodes a millisecond count sent either as a JSON string or a JSON number.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return fmt.Errorf("invalid millisecond value %q", raw)
		}
		n = int64(f)
	}
	*m = Millis(n)
	return nil
}

type inboundEnvelope struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Start     json.RawMessage `json:"start"`
	Media     *struct {
		Track     string `json:"track"`
		Timestamp Millis `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// DecodeInbound decodes one text frame from the telephony socket.
func DecodeInbound(data []byte) (any, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		var probe struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(data, &probe) != nil {
			return nil, badFrame("invalid json frame", "")
		}
		return nil, badFrame("invalid "+probe.Event+" frame", "")
	}
	event := strings.TrimSpace(env.Event)
	if event == "" {
		return nil, badFrame("missing event", "event")
	}

	switch event {
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case EventStart:
		if len(env.Start) == 0 {
			return nil, badFrame("start is required", "start")
		}
		var st Start
		if err := json.Unmarshal(env.Start, &st); err != nil {
			return nil, badFrame("invalid start frame", "start")
		}
		if st.StreamSID == "" {
			st.StreamSID = env.StreamSID
		}
		if strings.TrimSpace(st.StreamSID) == "" {
			return nil, badFrame("start.streamSid is required", "start.streamSid")
		}
		if strings.TrimSpace(st.CallSID) == "" {
			return nil, badFrame("start.callSid is required", "start.callSid")
		}
		return st, nil
	case EventMedia:
		if env.Media == nil {
			return nil, badFrame("media is required", "media")
		}
		if env.Media.Payload == "" {
			return nil, badFrame("media.payload is required", "media.payload")
		}
		return Media{
			StreamSID: env.StreamSID,
			Track:     env.Media.Track,
			Timestamp: int64(env.Media.Timestamp),
			Payload:   env.Media.Payload,
		}, nil
	case EventMark:
		m := Mark{StreamSID: env.StreamSID}
		if env.Mark != nil {
			m.Name = env.Mark.Name
		}
		return m, nil
	case EventDTMF:
		if env.DTMF == nil || strings.TrimSpace(env.DTMF.Digit) == "" {
			return nil, badFrame("dtmf.digit is required", "dtmf.digit")
		}
		return DTMF{StreamSID: env.StreamSID, Digit: env.DTMF.Digit}, nil
	case EventStop:
		s := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			s.CallSID = env.Stop.CallSID
		}
		return s, nil
	default:
		return Ignored{Event: event}, nil
	}
}

// Outbound frames.

type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

type OutboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      MarkName `json:"mark"`
}

type MarkName struct {
	Name string `json:"name"`
}

type OutboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewMedia(streamSID, payload string) OutboundMedia {
	return OutboundMedia{Event: EventMedia, StreamSID: streamSID, Media: MediaPayload{Payload: payload}}
}

func NewMark(streamSID, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkName{Name: name}}
}

func NewClear(streamSID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamSID}
}
