package acs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is one call-automation webhook event, reduced to the fields the
// bridge acts on. ACS delivers CloudEvents, singly or in batches, and has
// used several discriminator field names across gateway versions; ParseEvents
// accepts all of them.
type Event struct {
	// Type is the full event type string
	// (e.g., "Microsoft.Communication.CallConnected").
	Type string

	// CallConnectionID identifies the call the event belongs to.
	CallConnectionID string

	// OperationContext is the opaque token supplied at call creation.
	OperationContext string

	// ResultMessage carries failure detail for disconnect/failure events.
	ResultMessage string
}

// Is reports whether the event type ends with suffix, so callers can match
// "CallConnected" without caring about the namespace prefix.
func (e Event) Is(suffix string) bool {
	return strings.HasSuffix(e.Type, suffix)
}

type rawEvent struct {
	Type            string       `json:"type"`
	EventType       string       `json:"eventType"`
	PublicEventType string       `json:"publicEventType"`
	CallConnID      string       `json:"callConnectionId"`
	Data            rawEventData `json:"data"`
}

type rawEventData struct {
	CallConnID       string         `json:"callConnectionId"`
	OperationContext string         `json:"operationContext"`
	ResultInfo       *rawResultInfo `json:"resultInformation"`
}

type rawResultInfo struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

// ParseEvents decodes a webhook body holding either a single event or a
// CloudEvents batch.
func ParseEvents(body []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(body))
	var raws []rawEvent
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("acs: parse event batch: %w", err)
		}
	} else {
		var one rawEvent
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("acs: parse event: %w", err)
		}
		raws = []rawEvent{one}
	}

	events := make([]Event, 0, len(raws))
	for _, r := range raws {
		ev := Event{
			Type:             firstNonEmpty(r.Type, r.EventType, r.PublicEventType),
			CallConnectionID: firstNonEmpty(r.CallConnID, r.Data.CallConnID),
			OperationContext: r.Data.OperationContext,
		}
		if ri := r.Data.ResultInfo; ri != nil {
			ev.ResultMessage = fmt.Sprintf("code=%d subCode=%d %s", ri.Code, ri.SubCode, ri.Message)
		}
		events = append(events, ev)
	}
	return events, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
