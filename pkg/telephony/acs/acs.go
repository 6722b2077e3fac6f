// Package acs is a thin Azure Communication Services call-automation client:
// connection-string parsing, HMAC request signing, outbound call placement
// with media streaming, and hangup. Only the operations the bridge needs are
// implemented.
package acs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiVersion = "2023-10-15"

// ErrBadConnectionString is returned when the connection string is missing
// the endpoint or access key part.
var ErrBadConnectionString = errors.New("acs: malformed connection string")

// ParseConnectionString splits an ACS connection string of the form
// "endpoint=https://<resource>.communication.azure.com/;accesskey=<base64>"
// into its endpoint URL and decoded signing key.
func ParseConnectionString(cs string) (endpoint *url.URL, key []byte, err error) {
	var rawEndpoint, rawKey string
	for _, part := range strings.Split(cs, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "endpoint":
			rawEndpoint = value
		case "accesskey":
			rawKey = value
		}
	}
	if rawEndpoint == "" || rawKey == "" {
		return nil, nil, fmt.Errorf("%w: need endpoint and accesskey parts", ErrBadConnectionString)
	}
	endpoint, err = url.Parse(strings.TrimSuffix(rawEndpoint, "/"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: endpoint: %v", ErrBadConnectionString, err)
	}
	key, err = base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: accesskey is not base64", ErrBadConnectionString)
	}
	return endpoint, key, nil
}

// Client calls the ACS call-automation REST API.
type Client struct {
	endpoint *url.URL
	key      []byte
	httpc    *http.Client
	now      func() time.Time
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// NewClient builds a client from an ACS connection string.
func NewClient(connectionString string, opts ...Option) (*Client, error) {
	endpoint, key, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint: endpoint,
		key:      key,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CallRequest describes one outbound call with bidirectional media streaming.
type CallRequest struct {
	// TargetNumber is the callee in E.164 form.
	TargetNumber string

	// SourceNumber is the ACS-owned caller ID in E.164 form.
	SourceNumber string

	// CallbackURL receives call lifecycle events (must be public https).
	CallbackURL string

	// MediaTransportURL is the wss:// URL ACS streams call audio to.
	MediaTransportURL string

	// OperationContext is an opaque token echoed back in events; the bridge
	// uses the media token so callbacks can be matched to sessions.
	OperationContext string
}

type phoneNumber struct {
	Value string `json:"value"`
}

type callTarget struct {
	Kind  string      `json:"kind"`
	Phone phoneNumber `json:"phoneNumber"`
}

type mediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	AudioFormat         string `json:"audioFormat"`
	EnableBidirectional bool   `json:"enableBidirectional"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
}

type createCallRequest struct {
	Targets              []callTarget          `json:"targets"`
	SourceCallerIDNumber phoneNumber           `json:"sourceCallerIdNumber"`
	CallbackURI          string                `json:"callbackUri"`
	OperationContext     string                `json:"operationContext,omitempty"`
	MediaStreaming       mediaStreamingOptions `json:"mediaStreamingOptions"`
}

type createCallResponse struct {
	CallConnectionID string `json:"callConnectionId"`
}

// CreateCall places an outbound call and returns its call connection ID.
// Media streaming starts at call creation: 16 kHz mono PCM, bidirectional.
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (string, error) {
	body := createCallRequest{
		Targets: []callTarget{{
			Kind:  "phoneNumber",
			Phone: phoneNumber{Value: req.TargetNumber},
		}},
		SourceCallerIDNumber: phoneNumber{Value: req.SourceNumber},
		CallbackURI:          req.CallbackURL,
		OperationContext:     req.OperationContext,
		MediaStreaming: mediaStreamingOptions{
			TransportURL:        req.MediaTransportURL,
			TransportType:       "websocket",
			ContentType:         "audio",
			AudioChannelType:    "mixed",
			AudioFormat:         "Pcm16KMono",
			EnableBidirectional: true,
			StartMediaStreaming: true,
		},
	}

	var resp createCallResponse
	if err := c.do(ctx, http.MethodPost, "/calling/callConnections", body, &resp); err != nil {
		return "", fmt.Errorf("acs: create call: %w", err)
	}
	if resp.CallConnectionID == "" {
		return "", errors.New("acs: create call: response carries no callConnectionId")
	}
	return resp.CallConnectionID, nil
}

// HangUp terminates the call for every participant.
func (c *Client) HangUp(ctx context.Context, callConnectionID string) error {
	path := "/calling/callConnections/" + url.PathEscape(callConnectionID) + ":terminate"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("acs: hang up %s: %w", callConnectionID, err)
	}
	return nil
}

// do signs and sends one API request, decoding the JSON response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	u := *c.endpoint
	u.Path = path
	u.RawQuery = "api-version=" + apiVersion

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, payload)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sign applies the Communication Services HMAC-SHA256 scheme: the signature
// covers the verb, the path+query, the UTC date, the host, and the SHA-256 of
// the body.
func (c *Client) sign(req *http.Request, payload []byte) {
	contentHash := sha256.Sum256(payload)
	contentB64 := base64.StdEncoding.EncodeToString(contentHash[:])
	date := c.now().UTC().Format(http.TimeFormat)

	pathAndQuery := req.URL.Path
	if req.URL.RawQuery != "" {
		pathAndQuery += "?" + req.URL.RawQuery
	}
	stringToSign := req.Method + "\n" + pathAndQuery + "\n" + date + ";" + req.URL.Host + ";" + contentB64

	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentB64)
	req.Header.Set("Authorization",
		"HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
