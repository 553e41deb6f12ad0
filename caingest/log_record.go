package caingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogRecord is the analytics projection of a Serilog event. It marshals to
// the single-line JSON shape the Log open schema expects.
type LogRecord struct {
	SchemaName      string          `json:"schemaName"`
	SchemaID        string          `json:"schemaId"`
	Timestamp       time.Time       `json:"timestamp"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	MachineName     string          `json:"machineName,omitempty"`
	MessageID       string          `json:"messageId"`
	Level           string          `json:"level,omitempty"`
	Message         string          `json:"message,omitempty"`
	MessageTemplate string          `json:"messageTemplate,omitempty"`
	ApplicationName string          `json:"applicationName,omitempty"`
	Blob            json.RawMessage `json:"blob,omitempty"`
}

func (r *LogRecord) RecordTimestamp() time.Time { return r.Timestamp }

// serilogBody is the parsed shape of a Serilog event body. Unknown
// top-level members are ignored.
type serilogBody struct {
	Timestamp       string                     `json:"@timestamp"`
	Level           string                     `json:"level"`
	Message         string                     `json:"message"`
	MessageTemplate string                     `json:"messageTemplate"`
	Fields          map[string]json.RawMessage `json:"fields"`
}

// decodeLogRecord projects a Serilog event body into a LogRecord. Known
// members of the nested fields object become typed columns; the remainder
// is preserved verbatim in the blob sub-object.
func decodeLogRecord(body []byte, messageID string, enqueuedAt time.Time) (*LogRecord, error) {
	var parsed serilogBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing serilog body: %w", err)
	}

	var record = &LogRecord{
		MessageID:       messageID,
		Level:           parsed.Level,
		Message:         parsed.Message,
		MessageTemplate: parsed.MessageTemplate,
		Timestamp:       enqueuedAt,
	}
	if parsed.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, parsed.Timestamp); err == nil {
			record.Timestamp = ts
		}
	}

	var rest = make(map[string]json.RawMessage, len(parsed.Fields))
	for key, raw := range parsed.Fields {
		switch key {
		case "MachineName":
			if stringField(raw, &record.MachineName) {
				continue
			}
		case "CorrelationId":
			if stringField(raw, &record.CorrelationID) {
				continue
			}
		case "MachineRole":
			if stringField(raw, &record.ApplicationName) {
				continue
			}
		}
		rest[key] = raw
	}
	if len(rest) > 0 {
		var blob, err = json.Marshal(rest)
		if err != nil {
			return nil, fmt.Errorf("encoding log blob: %w", err)
		}
		record.Blob = blob
	}
	return record, nil
}

// stringField decodes raw into *dst, reporting whether raw held a string.
func stringField(raw json.RawMessage, dst *string) bool {
	return json.Unmarshal(raw, dst) == nil
}
