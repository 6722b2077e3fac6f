package acs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testKey = "c2VjcmV0LXNpZ25pbmcta2V5" // base64("secret-signing-key")

func testConnectionString(endpoint string) string {
	return "endpoint=" + endpoint + "/;accesskey=" + testKey
}

func TestParseConnectionString(t *testing.T) {
	t.Parallel()

	endpoint, key, err := ParseConnectionString("endpoint=https://res.communication.azure.com/;accesskey=" + testKey)
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if endpoint.Host != "res.communication.azure.com" {
		t.Errorf("endpoint host = %q", endpoint.Host)
	}
	want, _ := base64.StdEncoding.DecodeString(testKey)
	if string(key) != string(want) {
		t.Errorf("key not decoded from base64")
	}
}

func TestParseConnectionString_Invalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"endpoint=https://res.communication.azure.com/",
		"accesskey=" + testKey,
		"endpoint=https://x/;accesskey=%%%not-base64%%%",
	}
	for _, cs := range cases {
		if _, _, err := ParseConnectionString(cs); !errors.Is(err, ErrBadConnectionString) {
			t.Errorf("ParseConnectionString(%q) = %v, want ErrBadConnectionString", cs, err)
		}
	}
}

func TestCreateCall(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotDate, gotContentHash string
	var gotBody createCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("x-ms-date")
		gotContentHash = r.Header.Get("x-ms-content-sha256")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(createCallResponse{CallConnectionID: "conn-123"})
	}))
	defer srv.Close()

	client, err := NewClient(testConnectionString(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	id, err := client.CreateCall(context.Background(), CallRequest{
		TargetNumber:      "+15550123",
		SourceNumber:      "+15550100",
		CallbackURL:       "https://bridge.example.com/api/callbacks",
		MediaTransportURL: "wss://bridge.example.com/ws/media/m-1",
		OperationContext:  "m-1",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if id != "conn-123" {
		t.Fatalf("call connection id = %q", id)
	}

	if gotPath != "/calling/callConnections?api-version="+apiVersion {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=") {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotDate == "" || gotContentHash == "" {
		t.Error("signing headers missing")
	}

	if len(gotBody.Targets) != 1 || gotBody.Targets[0].Phone.Value != "+15550123" {
		t.Errorf("targets = %+v", gotBody.Targets)
	}
	if gotBody.SourceCallerIDNumber.Value != "+15550100" {
		t.Errorf("source = %+v", gotBody.SourceCallerIDNumber)
	}
	ms := gotBody.MediaStreaming
	if ms.TransportURL != "wss://bridge.example.com/ws/media/m-1" ||
		ms.TransportType != "websocket" ||
		!ms.EnableBidirectional ||
		ms.AudioFormat != "Pcm16KMono" {
		t.Errorf("media streaming options = %+v", ms)
	}
	if gotBody.OperationContext != "m-1" {
		t.Errorf("operation context = %q", gotBody.OperationContext)
	}
}

func TestCreateCall_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"BadRequest"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(testConnectionString(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.CreateCall(context.Background(), CallRequest{}); err == nil {
		t.Fatal("CreateCall succeeded on a 400")
	}
}

func TestHangUp(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(testConnectionString(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.HangUp(context.Background(), "conn-123"); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if gotPath != "/calling/callConnections/conn-123:terminate" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	batch := `[
	  {"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"c1","operationContext":"m-1"}},
	  {"eventType":"Microsoft.Communication.CallDisconnected","data":{"callConnectionId":"c1","resultInformation":{"code":487,"subCode":10004,"message":"callee busy"}}}
	]`
	events, err := ParseEvents([]byte(batch))
	if err != nil {
		t.Fatalf("ParseEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if !events[0].Is("CallConnected") || events[0].CallConnectionID != "c1" || events[0].OperationContext != "m-1" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if !events[1].Is("CallDisconnected") || !strings.Contains(events[1].ResultMessage, "callee busy") {
		t.Errorf("event 1 = %+v", events[1])
	}
}

func TestParseEvents_SingleObject(t *testing.T) {
	t.Parallel()

	events, err := ParseEvents([]byte(`{"publicEventType":"Microsoft.Communication.CallConnected","callConnectionId":"c2"}`))
	if err != nil {
		t.Fatalf("ParseEvents: %v", err)
	}
	if len(events) != 1 || !events[0].Is("CallConnected") || events[0].CallConnectionID != "c2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestParseEvents_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseEvents([]byte("not json")); err == nil {
		t.Fatal("ParseEvents accepted garbage")
	}
}
