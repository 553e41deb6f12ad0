package caingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Happiness grades that trigger the root-cause interaction walk.
const (
	gradeUnacceptable  = "Unacceptable"
	gradeReallyAnnoyed = "ReallyAnnoyed"
)

// InteractionRecord is the analytics projection of a robot interaction.
type InteractionRecord struct {
	SchemaName           string          `json:"schemaName"`
	SchemaID             string          `json:"schemaId"`
	Timestamp            time.Time       `json:"timestamp"`
	CorrelationID        string          `json:"correlationId,omitempty"`
	MachineName          string          `json:"machineName,omitempty"`
	MessageID            string          `json:"messageId"`
	RobotName            string          `json:"robotName,omitempty"`
	Environment          string          `json:"environment,omitempty"`
	InstanceID           string          `json:"instanceId,omitempty"`
	DurationMs           float64         `json:"durationMs"`
	Happiness            string          `json:"happiness,omitempty"`
	HappinessExplanation string          `json:"happinessExplanation,omitempty"`
	Blob                 json.RawMessage `json:"blob,omitempty"`
}

func (r *InteractionRecord) RecordTimestamp() time.Time { return r.Timestamp }

// decodeInteractionRecord projects a robot interaction body into an
// InteractionRecord. When the interaction's grade is an unhappy one, the
// correlation id is taken from the root-cause interaction: the deepest
// descendant sharing the root's grade, found by pre-order traversal.
func decodeInteractionRecord(body []byte, messageID string, enqueuedAt time.Time) (*InteractionRecord, error) {
	var parsed struct {
		Timestamp   string `json:"timestamp"`
		MessageID   string `json:"messageId"`
		RobotName   string `json:"RobotName"`
		Information struct {
			Product struct {
				Environment string `json:"Environment"`
			} `json:"Product"`
		} `json:"Information"`
		Tester struct {
			InstanceID string `json:"InstanceId"`
		} `json:"Tester"`
		Interaction json.RawMessage `json:"Interaction"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing interaction body: %w", err)
	}
	if len(parsed.Interaction) == 0 {
		return nil, fmt.Errorf("interaction body has no Interaction subtree")
	}
	var root, err = parseInteractionNode(parsed.Interaction)
	if err != nil {
		return nil, fmt.Errorf("parsing Interaction subtree: %w", err)
	}

	if parsed.MessageID != "" {
		messageID = parsed.MessageID
	}
	var record = &InteractionRecord{
		MessageID:            messageID,
		RobotName:            parsed.RobotName,
		Environment:          parsed.Information.Product.Environment,
		InstanceID:           parsed.Tester.InstanceID,
		DurationMs:           root.timeTaken(),
		Happiness:            root.grade(),
		HappinessExplanation: root.happinessExplanation(),
		Timestamp:            enqueuedAt,
		Blob:                 json.RawMessage(body),
	}
	if parsed.Timestamp != "" {
		if ts, perr := time.Parse(time.RFC3339Nano, parsed.Timestamp); perr == nil {
			record.Timestamp = ts
		}
	}

	switch record.Happiness {
	case gradeUnacceptable, gradeReallyAnnoyed:
		if cause := rootCause(root, record.Happiness); cause != nil {
			record.CorrelationID = cause.operationID()
		}
	}
	return record, nil
}

// rootCause returns the deepest pre-order descendant of node whose grade
// equals grade, or nil if node itself doesn't match.
func rootCause(node *interactionNode, grade string) *interactionNode {
	if node.grade() != grade {
		return nil
	}
	for _, child := range node.children() {
		if cause := rootCause(child, grade); cause != nil {
			return cause
		}
	}
	return node
}

// interactionNode is one node of the interaction tree: its raw encoding
// (to recover member declaration order) plus a member index.
type interactionNode struct {
	raw     json.RawMessage
	members map[string]json.RawMessage
}

func parseInteractionNode(raw json.RawMessage) (*interactionNode, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	return &interactionNode{raw: raw, members: members}, nil
}

func (n *interactionNode) grade() string {
	var s string
	json.Unmarshal(n.members["HappinessGrade"], &s)
	return s
}

func (n *interactionNode) timeTaken() float64 {
	var ms float64
	json.Unmarshal(n.members["TimeTaken"], &ms)
	return ms
}

func (n *interactionNode) happinessExplanation() string {
	var s string
	json.Unmarshal(n.members["HappinessExplanation"], &s)
	return s
}

// operationID returns the node's OperationID detail, accepting either
// capitalization, looking in the Details member first and then at the node
// itself.
func (n *interactionNode) operationID() string {
	var details map[string]json.RawMessage
	if raw, ok := n.members["Details"]; ok {
		json.Unmarshal(raw, &details)
	}
	for _, members := range []map[string]json.RawMessage{details, n.members} {
		for _, key := range []string{"OperationID", "OperationId"} {
			if raw, ok := members[key]; ok {
				var s string
				if json.Unmarshal(raw, &s) == nil && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// children returns child interactions in declared order: the members of the
// Components array when present, otherwise every object member that itself
// carries both HappinessGrade and TimeInteractionRecorded.
func (n *interactionNode) children() []*interactionNode {
	if raw, ok := n.members["Components"]; ok {
		var elements []json.RawMessage
		if json.Unmarshal(raw, &elements) == nil {
			var nodes []*interactionNode
			for _, el := range elements {
				if child, err := parseInteractionNode(el); err == nil {
					nodes = append(nodes, child)
				}
			}
			return nodes
		}
	}

	// Objects don't index by position, so re-scan the raw encoding to
	// recover member declaration order.
	var nodes []*interactionNode
	for _, raw := range orderedObjectMembers(n.raw) {
		var child, err = parseInteractionNode(raw)
		if err != nil {
			continue
		}
		var _, hasGrade = child.members["HappinessGrade"]
		var _, hasRecorded = child.members["TimeInteractionRecorded"]
		if hasGrade && hasRecorded {
			nodes = append(nodes, child)
		}
	}
	return nodes
}

// orderedObjectMembers yields the values of a JSON object's members in
// declaration order.
func orderedObjectMembers(raw json.RawMessage) []json.RawMessage {
	var dec = json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var values []json.RawMessage
	for dec.More() {
		if _, err := dec.Token(); err != nil { // Member key.
			return values
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return values
		}
		values = append(values, value)
	}
	return values
}
