// Package telephony implements the wire format of the provider media
// websocket: the initial ack handshake, the inbound AudioMetadata/AudioData
// envelopes, and the outbound frame encodings.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// OutboundFormat selects how outbound frames are encoded on the media socket.
type OutboundFormat string

const (
	// FormatJSONSimple wraps each frame in an AudioData JSON envelope.
	FormatJSONSimple OutboundFormat = "json_simple"

	// FormatBinary sends raw PCM as binary messages.
	FormatBinary OutboundFormat = "binary"
)

// InboundKind classifies a decoded inbound media message.
type InboundKind int

const (
	// KindIgnore is a message carrying nothing the bridge acts on
	// (unknown envelopes, undecodable JSON). It still counts as traffic.
	KindIgnore InboundKind = iota

	// KindMetadata is an AudioMetadata envelope: acknowledged as traffic,
	// carries no audio.
	KindMetadata

	// KindAudio carries PCM audio in Inbound.PCM.
	KindAudio
)

// Inbound is one decoded inbound media message.
type Inbound struct {
	Kind InboundKind
	PCM  []byte
}

// envelope is the JSON shape shared by inbound and outbound media messages.
// The provider uses "kind" but some gateways send "type"; both are accepted.
type envelope struct {
	Kind      string     `json:"kind,omitempty"`
	Type      string     `json:"type,omitempty"`
	AudioData *audioData `json:"audioData,omitempty"`
	Data      string     `json:"data,omitempty"`
}

type audioData struct {
	Data string `json:"data"`
}

// Ack is the handshake message sent immediately after accepting the media
// websocket. The provider holds audio until it arrives.
func Ack() []byte {
	return []byte(`{"type":"ack"}`)
}

// DecodeText parses one text media message. Undecodable payloads are not an
// error: the provider occasionally interleaves housekeeping messages, and
// dropping them silently matches its expectations.
func DecodeText(payload []byte) Inbound {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Inbound{Kind: KindIgnore}
	}
	kind := env.Kind
	if kind == "" {
		kind = env.Type
	}

	switch kind {
	case "AudioMetadata":
		return Inbound{Kind: KindMetadata}
	case "AudioData", "AudioChunk":
		b64 := env.Data
		if env.AudioData != nil && env.AudioData.Data != "" {
			b64 = env.AudioData.Data
		}
		if b64 == "" {
			return Inbound{Kind: KindIgnore}
		}
		pcm, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return Inbound{Kind: KindIgnore}
		}
		return Inbound{Kind: KindAudio, PCM: pcm}
	default:
		// Nested audioData without a kind still counts: some gateway
		// versions omit the discriminator.
		if env.AudioData != nil && env.AudioData.Data != "" {
			if pcm, err := base64.StdEncoding.DecodeString(env.AudioData.Data); err == nil {
				return Inbound{Kind: KindAudio, PCM: pcm}
			}
		}
		return Inbound{Kind: KindIgnore}
	}
}

// DecodeBinary wraps a raw binary media message. Binary payloads are PCM by
// contract.
func DecodeBinary(payload []byte) Inbound {
	return Inbound{Kind: KindAudio, PCM: payload}
}

// EncodeOutbound renders one PCM frame in the given format. The boolean
// reports whether the payload must be sent as a text message.
func EncodeOutbound(format OutboundFormat, pcm []byte) (payload []byte, text bool, err error) {
	switch format {
	case FormatBinary:
		return pcm, false, nil
	case FormatJSONSimple:
		env := envelope{
			Kind:      "AudioData",
			AudioData: &audioData{Data: base64.StdEncoding.EncodeToString(pcm)},
		}
		out, err := json.Marshal(env)
		if err != nil {
			return nil, false, fmt.Errorf("telephony: encode outbound frame: %w", err)
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("telephony: unknown outbound format %q", format)
	}
}
