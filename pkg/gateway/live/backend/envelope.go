package backend

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"google.golang.org/genai"
)

const audioMIMEType = "audio/pcm"

type setupEnvelope struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model             string            `json:"model"`
	GenerationConfig  *generationConfig `json:"generation_config,omitempty"`
	SystemInstruction *wireContent      `json:"system_instruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"response_modalities,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text string `json:"text"`
}

type realtimeInputEnvelope struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type clientContentEnvelope struct {
	ClientContent clientContent `json:"client_content"`
}

type clientContent struct {
	Turns        []wireContent `json:"turns"`
	TurnComplete bool          `json:"turn_complete"`
}

// ModelResource normalizes a model id to the "models/<id>" resource form.
func ModelResource(model string) string {
	model = strings.TrimSpace(model)
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func encodeSetup(model string, modalities []string, systemPrompt string) ([]byte, error) {
	env := setupEnvelope{Setup: setupBody{Model: ModelResource(model)}}
	if len(modalities) > 0 {
		env.Setup.GenerationConfig = &generationConfig{ResponseModalities: modalities}
	}
	if strings.TrimSpace(systemPrompt) != "" {
		env.Setup.SystemInstruction = &wireContent{Parts: []wirePart{{Text: systemPrompt}}}
	}
	return json.Marshal(env)
}

// EncodeAudio frames one PCM payload as a realtime_input envelope.
func EncodeAudio(pcm []byte) ([]byte, error) {
	return json.Marshal(realtimeInputEnvelope{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{
			Data:     base64.StdEncoding.EncodeToString(pcm),
			MIMEType: audioMIMEType,
		}},
	}})
}

func encodeText(text string) ([]byte, error) {
	return json.Marshal(clientContentEnvelope{ClientContent: clientContent{
		Turns:        []wireContent{{Role: "user", Parts: []wirePart{{Text: text}}}},
		TurnComplete: true,
	}})
}

// DecodeServerMessage turns one backend message into relay events, in part
// order, with TurnComplete last. Control messages that carry no content
// (setupComplete, usage, goAway) decode to no events. A DecodeError means the
// message should be skipped.
func DecodeServerMessage(data []byte) ([]Event, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}

	var msg genai.LiveServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: "unexpected message shape", Err: err}
	}

	sc := msg.ServerContent
	if sc == nil {
		if msg.SetupComplete != nil || msg.UsageMetadata != nil || msg.GoAway != nil {
			return nil, nil
		}
		return nil, &DecodeError{Reason: "missing serverContent"}
	}

	var events []Event
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				events = append(events, Event{Kind: EventText, Text: part.Text})
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				events = append(events, Event{Kind: EventAudio, Audio: part.InlineData.Data})
			}
		}
	}
	if sc.TurnComplete || sc.Interrupted {
		events = append(events, Event{Kind: EventTurnComplete, Interrupted: sc.Interrupted})
	}
	return events, nil
}
