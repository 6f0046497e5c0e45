// Package event converts raw broker records into validated events.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/logger"
	"auditcore/pkg/models"
)

var eventNamespace = uuid.MustParse("9b0f4f8e-2d1c-4b8e-a3c4-5f61c2a7d9e0")

// envelope keys never copied into a flat payload.
var envelopeKeys = map[string]struct{}{
	"event_id": {}, "event_type": {}, "customer_id": {}, "source_agent": {},
	"agent_name": {}, "status": {}, "duration_ms": {}, "timestamp": {},
	"occurred_at": {}, "@timestamp": {}, "payload": {}, "action": {},
}

// Parser turns raw records into events.
type Parser struct {
	now func() time.Time
}

// NewParser creates a parser stamping missing timestamps with the wall clock.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse decodes a record read from topic. Missing fields are filled the way
// agents are known to omit them: event_type from the topic, event_id from a
// hash of the record, status as success, timestamp as now. Payload fields may
// be nested under "payload" or sent flat next to the envelope.
func (p *Parser) Parse(topic string, data []byte) (*models.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}

	ev := &models.Event{
		EventID:     getString(raw, "event_id"),
		EventType:   models.EventType(getString(raw, "event_type")),
		CustomerID:  getString(raw, "customer_id"),
		SourceAgent: getString(raw, "source_agent", "agent_name"),
		Status:      models.Status(strings.ToLower(getString(raw, "status"))),
		DurationMs:  getInt(raw, "duration_ms"),
	}
	if ev.EventType == "" {
		ev.EventType = TypeFromTopic(topic)
	}
	if ev.EventID == "" {
		ev.EventID = DeriveID(data)
		logger.Debugf("Missing event_id on %s, derived %s", topic, ev.EventID)
	}
	if t, ok := getTime(raw, "timestamp", "occurred_at", "@timestamp"); ok {
		ev.Timestamp = t
	} else {
		ev.Timestamp = p.now().UTC()
	}

	payload, err := payloadOf(raw)
	if err != nil {
		return nil, err
	}
	ev.Payload, err = models.DecodePayload(ev.EventType, payload)
	if err != nil {
		return nil, err
	}

	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// TypeFromTopic strips the topic prefix: "auditcore.chat-interaction" names
// the chat-interaction type.
func TypeFromTopic(topic string) models.EventType {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		topic = topic[i+1:]
	}
	return models.EventType(topic)
}

// DeriveID returns a stable event id for a record that carries none.
func DeriveID(data []byte) string {
	return uuid.NewSHA1(eventNamespace, data).String()
}

func payloadOf(raw map[string]interface{}) (json.RawMessage, error) {
	if v, ok := raw["payload"]; ok && v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", models.ErrInvalidEvent, err)
		}
		return data, nil
	}
	flat := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if _, skip := envelopeKeys[k]; !skip {
			flat[k] = v
		}
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", models.ErrInvalidEvent, err)
	}
	return data, nil
}

func getTime(root map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		switch v := root[key].(type) {
		case string:
			if t, ok := models.ParseTime(v); ok {
				return t, true
			}
		case float64:
			// Epoch seconds, or milliseconds when too large to be seconds.
			if v > 1e11 {
				return time.UnixMilli(int64(v)).UTC(), true
			}
			sec := int64(v)
			return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC(), true
		}
	}
	return time.Time{}, false
}

func getString(root map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch val := root[key].(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

func getInt(root map[string]interface{}, keys ...string) int64 {
	for _, key := range keys {
		switch val := root[key].(type) {
		case float64:
			return int64(val)
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
