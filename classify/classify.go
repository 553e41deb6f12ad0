// Package classify turns raw broker events into typed, validated,
// index-routed documents.
package classify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/driftline/ingest/consumer"
)

// Event type property values understood by both pipelines.
const (
	TypeSerilog           = "SerilogEvent"
	TypeInteraction       = "RoboCustosInteraction"
	TypeExternalTelemetry = "ExternalTelemetry"
	TypeAzureResources    = "azure-resources"
)

// Property keys read from the broker property bag.
const (
	PropType      = "Type"
	PropMessageID = "MessageId"
	PropTimestamp = "Timestamp"
	PropSource    = "Source"
)

// Classify maps one raw event to exactly one of a valid BulkItem or an
// InvalidItem. It never fails: every malformed input becomes an InvalidItem
// carrying the reason, destined for quarantine.
func Classify(ev consumer.RawEvent) (*BulkItem, *InvalidItem) {
	var (
		docID     string
		timestamp time.Time
		body      string
	)
	var invalid = func(reason string) (*BulkItem, *InvalidItem) {
		if docID == "" {
			docID = uuid.NewString()
		}
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}
		return nil, &InvalidItem{
			DocID:       docID,
			Timestamp:   timestamp,
			EnqueueTime: ev.EnqueuedAt,
			Body:        body,
			Reason:      reason,
		}
	}

	eventType, err := StringProperty(ev.Properties, PropType)
	if err != nil {
		return invalid(err.Error())
	}
	docID, err = StringProperty(ev.Properties, PropMessageID)
	if err != nil {
		return invalid(err.Error())
	}
	tsProp, err := StringProperty(ev.Properties, PropTimestamp)
	if err != nil {
		return invalid(err.Error())
	}
	source, err := StringProperty(ev.Properties, PropSource)
	if err != nil {
		return invalid(err.Error())
	}

	if !utf8.Valid(ev.Body) {
		return invalid("Document body is not valid UTF-8")
	}
	body = string(ev.Body)

	if tsProp != "" {
		timestamp, err = time.Parse(time.RFC3339Nano, tsProp)
		if err != nil {
			return invalid(fmt.Sprintf("Invalid %s property: %v", PropTimestamp, err))
		}
	}

	var indexBase, docType string
	var flat bool
	switch eventType {
	case TypeSerilog:
		indexBase, docType = IndexLogstash, "logevent"
	case TypeInteraction:
		indexBase, docType = IndexRoboInteractions, "interaction"
	case TypeExternalTelemetry:
		indexBase, docType = IndexExternalTelemetry, "telemetryevent"
		if source != "" {
			docType = source
		}
	case TypeAzureResources:
		indexBase, docType, flat = IndexAzureResources, "metadata", true
		if source != "" {
			docType = source
		}
	case "":
		// No type header: a bare Serilog-shaped JSON body is accepted as an
		// implicit SerilogEvent, with its timestamp taken from the body.
		var inferred, ok = inferSerilog(body)
		if !ok {
			return invalid("Missing or invalid Type")
		}
		indexBase, docType = IndexLogstash, "logevent"
		timestamp = inferred
	default:
		return invalid("Missing or invalid Type")
	}

	if docID == "" {
		docID = uuid.NewString()
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	if strings.Contains(body, "\n") {
		return invalid("Document body contains newlines")
	}

	return &BulkItem{
		IndexBase:   indexBase,
		DocType:     docType,
		DocID:       docID,
		Timestamp:   timestamp,
		EnqueueTime: ev.EnqueuedAt,
		Body:        body,
		FlatIndex:   flat,
	}, nil
}

// StringProperty extracts a property that must be a string when present.
// Absent (or nil) properties return the empty string without error.
func StringProperty(props map[string]any, key string) (string, error) {
	var v, ok = props[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("Property %s must be a string, not %T", key, v)
	}
	return s, nil
}

// inferSerilog reports whether body is a Serilog-shaped JSON object, carrying
// string `message` and `messageTemplate` fields and a parseable ISO-8601
// `@timestamp`. On success it returns the parsed timestamp.
func inferSerilog(body string) (time.Time, bool) {
	var probe struct {
		Message         *string `json:"message"`
		MessageTemplate *string `json:"messageTemplate"`
		Timestamp       *string `json:"@timestamp"`
	}
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return time.Time{}, false
	}
	if probe.Message == nil || probe.MessageTemplate == nil || probe.Timestamp == nil {
		return time.Time{}, false
	}
	var ts, err = time.Parse(time.RFC3339Nano, *probe.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
