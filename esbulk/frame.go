// Package esbulk frames documents into the Elasticsearch bulk wire format
// and submits bulk bodies with response-driven retry.
package esbulk

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/driftline/ingest/classify"
)

type bulkAction struct {
	Index bulkActionMeta `json:"index"`
}

type bulkActionMeta struct {
	Index string `json:"_index"`
	Type  string `json:"_type"`
	ID    string `json:"_id"`
}

// Framed is a bulk request body together with the items it carries,
// keyed by document id for response-driven failure lookup.
type Framed struct {
	Body  []byte
	Items map[string]*classify.BulkItem
}

// Frame serializes items into a bulk body: for each item an action line and
// its source line, '\n'-separated, with a terminating newline as the bulk
// API requires. Item bodies are newline-free by classification invariant.
func Frame(items []*classify.BulkItem) *Framed {
	var buf bytes.Buffer
	var framed = &Framed{Items: make(map[string]*classify.BulkItem, len(items))}

	for _, item := range items {
		var action, err = json.Marshal(bulkAction{Index: bulkActionMeta{
			Index: item.IndexName(),
			Type:  item.DocType,
			ID:    item.DocID,
		}})
		if err != nil {
			panic(err) // Marshaling three strings cannot fail.
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.WriteString(item.Body)
		buf.WriteByte('\n')

		framed.Items[item.DocID] = item
	}
	framed.Body = buf.Bytes()
	return framed
}

// abandonedBody is the quarantine record written for a document that could
// not be delivered.
type abandonedBody struct {
	DocID      string    `json:"docId"`
	DocContent string    `json:"docContent"`
	LastError  string    `json:"lastError"`
	Timestamp  time.Time `json:"timestamp"`
}

// maxAbandonedContent bounds how much of the original document is preserved
// in its quarantine record.
const maxAbandonedContent = 1024

// AbandonedItem wraps a failed document into an item destined for the
// abandoneddocs family. The original body is truncated to its first 1024
// characters; JSON string escaping keeps the framed body newline-free even
// when the original body was not.
func AbandonedItem(docID, content, lastError string, timestamp, enqueueTime time.Time) *classify.BulkItem {
	if runes := []rune(content); len(runes) > maxAbandonedContent {
		content = string(runes[:maxAbandonedContent])
	}
	var body, err = json.Marshal(abandonedBody{
		DocID:      docID,
		DocContent: content,
		LastError:  lastError,
		Timestamp:  timestamp,
	})
	if err != nil {
		panic(err) // Marshaling strings and a time cannot fail.
	}
	return &classify.BulkItem{
		IndexBase:   classify.IndexAbandonedDocs,
		DocType:     "abandoneddocinfo",
		DocID:       docID,
		Timestamp:   timestamp,
		EnqueueTime: enqueueTime,
		Body:        string(body),
	}
}
