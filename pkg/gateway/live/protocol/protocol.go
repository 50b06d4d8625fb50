// Package protocol defines the client-facing session protocol: JSON text
// frames for control, text and base64 audio, plus raw binary audio frames.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeStart = "start"
	TypeStop  = "stop"
	TypeAudio = "audio"
	TypeText  = "text"
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

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientControl is an advisory start/stop marker.
type ClientControl struct {
	Type string `json:"type"`
}

// ClientAudio carries decoded PCM from either a binary frame or a
// {"type":"audio","data":...} text frame.
type ClientAudio struct {
	Data []byte
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeClientMessage decodes one text frame. Recognized shapes:
//
//	{"type":"start"} / {"type":"stop"}
//	{"type":"audio","data":"<base64>"}
//	{"type":"text","text":"..."}
//	{"audio_data":"<base64>", ...}   legacy recorder envelope
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type      string  `json:"type"`
		Data      *string `json:"data"`
		Text      *string `json:"text"`
		AudioData *string `json:"audio_data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}

	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		if envelope.AudioData != nil {
			return decodeAudio(*envelope.AudioData, "audio_data")
		}
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStart, TypeStop:
		return ClientControl{Type: typ}, nil
	case TypeAudio:
		if envelope.Data == nil {
			return nil, badRequest("audio.data is required", "data")
		}
		return decodeAudio(*envelope.Data, "data")
	case TypeText:
		if envelope.Text == nil || strings.TrimSpace(*envelope.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return ClientText{Type: TypeText, Text: *envelope.Text}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func decodeAudio(b64, param string) (any, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, badRequest("audio payload is empty", param)
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, badRequest("audio payload is not valid base64", param)
	}
	return ClientAudio{Data: pcm}, nil
}

// ServerResponse is one incremental reply. Exactly one of Text and Audio is
// set; the other is serialized as null.
type ServerResponse struct {
	Type  string  `json:"type"`
	Text  *string `json:"text"`
	Audio *string `json:"audio"`
}

func TextResponse(text string) ServerResponse {
	return ServerResponse{Type: "response", Text: &text}
}

func AudioResponse(pcm []byte) ServerResponse {
	b64 := base64.StdEncoding.EncodeToString(pcm)
	return ServerResponse{Type: "response", Audio: &b64}
}

type ServerError struct {
	Error string `json:"error"`
}

type ServerReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type ServerTurnComplete struct {
	Type        string `json:"type"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

type ServerNotice struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
