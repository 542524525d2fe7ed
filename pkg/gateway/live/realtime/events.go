// Package realtime speaks the AI realtime websocket protocol (v1 beta event shapes).
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeSessionUpdate    = "session.update"
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeItemTruncate     = "conversation.item.truncate"
	TypeAudioDelta       = "response.audio.delta"
	TypeTranscriptDone   = "response.audio_transcript.done"
	TypeInputTranscribed = "conversation.item.input_audio_transcription.completed"
	TypeSpeechStarted    = "input_audio_buffer.speech_started"
	TypeError            = "error"
)

const (
	AudioFormatG711ULaw    = "g711_ulaw"
	TurnDetectionServerVAD = "server_vad"
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

func badEvent(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_event", Message: message, Param: param}
}

type TurnDetection struct {
	Type string `json:"type"`
}

type Transcription struct {
	Model string `json:"model"`
}

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	TurnDetection           TurnDetection  `json:"turn_detection"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Voice                   string         `json:"voice"`
	Instructions            string         `json:"instructions"`
	Modalities              []string       `json:"modalities"`
	Temperature             float64        `json:"temperature"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewInputAudioAppend(payload string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: payload}
}

type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	if audioEndMS < 0 {
		audioEndMS = 0
	}
	return ItemTruncate{Type: TypeItemTruncate, ItemID: itemID, AudioEndMS: audioEndMS}
}

// Server events.

type AudioDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

type TranscriptDone struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type InputTranscribed struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type SpeechStarted struct {
	ItemID       string `json:"item_id"`
	AudioStartMS int64  `json:"audio_start_ms"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

type ServerError struct {
	Error ErrorDetail `json:"error"`
}

// Ignored is any server event the bridge does not act on.
type Ignored struct {
	Type string
}

// DecodeServerEvent decodes one text frame from the AI socket.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badEvent("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badEvent("missing type", "type")
	}

	switch typ {
	case TypeAudioDelta:
		var ev AudioDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid response.audio.delta", "")
		}
		if ev.Delta == "" {
			return nil, badEvent("response.audio.delta.delta is required", "delta")
		}
		return ev, nil
	case TypeTranscriptDone:
		var ev TranscriptDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid response.audio_transcript.done", "")
		}
		return ev, nil
	case TypeInputTranscribed:
		var ev InputTranscribed
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid input transcription event", "")
		}
		return ev, nil
	case TypeSpeechStarted:
		var ev SpeechStarted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid input_audio_buffer.speech_started", "")
		}
		return ev, nil
	case TypeError:
		var ev ServerError
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid error event", "")
		}
		return ev, nil
	default:
		return Ignored{Type: typ}, nil
	}
}
