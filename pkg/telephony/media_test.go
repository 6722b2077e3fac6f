package telephony

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestAck(t *testing.T) {
	t.Parallel()

	var env map[string]string
	if err := json.Unmarshal(Ack(), &env); err != nil {
		t.Fatalf("ack is not valid JSON: %v", err)
	}
	if env["type"] != "ack" {
		t.Fatalf("ack = %s", Ack())
	}
}

func TestDecodeText(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	b64 := base64.StdEncoding.EncodeToString(pcm)

	cases := []struct {
		name    string
		payload string
		kind    InboundKind
		pcm     []byte
	}{
		{"audio data envelope", `{"kind":"AudioData","audioData":{"data":"` + b64 + `"}}`, KindAudio, pcm},
		{"audio chunk flat data", `{"kind":"AudioChunk","data":"` + b64 + `"}`, KindAudio, pcm},
		{"type discriminator", `{"type":"AudioData","audioData":{"data":"` + b64 + `"}}`, KindAudio, pcm},
		{"missing discriminator", `{"audioData":{"data":"` + b64 + `"}}`, KindAudio, pcm},
		{"metadata", `{"kind":"AudioMetadata","encoding":"pcm"}`, KindMetadata, nil},
		{"empty audio", `{"kind":"AudioData"}`, KindIgnore, nil},
		{"bad base64", `{"kind":"AudioData","audioData":{"data":"!!!"}}`, KindIgnore, nil},
		{"not json", `hello`, KindIgnore, nil},
		{"unknown kind", `{"kind":"Heartbeat"}`, KindIgnore, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := DecodeText([]byte(tc.payload))
			if in.Kind != tc.kind {
				t.Fatalf("Kind = %v, want %v", in.Kind, tc.kind)
			}
			if !bytes.Equal(in.PCM, tc.pcm) {
				t.Fatalf("PCM = %v, want %v", in.PCM, tc.pcm)
			}
		})
	}
}

func TestDecodeText_MetadataWithUnknownFields(t *testing.T) {
	t.Parallel()

	// Real metadata envelopes carry format fields the bridge ignores.
	in := DecodeText([]byte(`{"kind":"AudioMetadata","subscriptionId":"x","encoding":"PCM","sampleRate":16000,"channels":1}`))
	if in.Kind != KindMetadata {
		t.Fatalf("Kind = %v, want metadata", in.Kind)
	}
}

func TestDecodeBinary(t *testing.T) {
	t.Parallel()

	pcm := []byte{9, 8, 7}
	in := DecodeBinary(pcm)
	if in.Kind != KindAudio || !bytes.Equal(in.PCM, pcm) {
		t.Fatalf("DecodeBinary = %+v", in)
	}
}

func TestEncodeOutbound_JSONSimple(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	payload, text, err := EncodeOutbound(FormatJSONSimple, pcm)
	if err != nil {
		t.Fatalf("EncodeOutbound: %v", err)
	}
	if !text {
		t.Fatal("json_simple frames must be text messages")
	}

	// Round-trips through the inbound decoder.
	in := DecodeText(payload)
	if in.Kind != KindAudio || !bytes.Equal(in.PCM, pcm) {
		t.Fatalf("round trip = %+v", in)
	}
}

func TestEncodeOutbound_Binary(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	payload, text, err := EncodeOutbound(FormatBinary, pcm)
	if err != nil {
		t.Fatalf("EncodeOutbound: %v", err)
	}
	if text {
		t.Fatal("binary frames must not be text messages")
	}
	if !bytes.Equal(payload, pcm) {
		t.Fatalf("payload = %v, want raw pcm", payload)
	}
}

func TestEncodeOutbound_UnknownFormat(t *testing.T) {
	t.Parallel()

	if _, _, err := EncodeOutbound("msgpack", nil); err == nil {
		t.Fatal("unknown format accepted")
	}
}
