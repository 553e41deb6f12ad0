package esbulk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
)

// Submitter sends bulk bodies to the cluster. The underlying client is safe
// for concurrent use and is shared across all partitions of the pipeline.
type Submitter struct {
	client *elasticsearch.Client
}

func NewSubmitter(client *elasticsearch.Client) *Submitter {
	return &Submitter{client: client}
}

// Response is the classified outcome of one bulk submission. Exactly one of
// the three outcome fields is set:
//
//   - TransportErr: the request never produced a usable server response
//     (send failure, or an HTTP failure without a structured error body,
//     such as a gateway 502).
//   - Bulk: a 2xx response, parsed; per-item failures may still be present.
//   - ServerError: a 4xx/5xx response carrying a structured error envelope.
type Response struct {
	StatusCode   int
	Bulk         *BulkResponse
	ServerError  *ServerError
	TransportErr error
}

// Delivered reports whether the request reached the server and produced a
// parseable bulk response.
func (r *Response) Delivered() bool { return r.Bulk != nil }

// BulkResponse is the structured body of a 2xx bulk response.
type BulkResponse struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]BulkItemStat `json:"items"`
}

// BulkItemStat is the per-document status within a bulk response, keyed in
// the response by its action name.
type BulkItemStat struct {
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  *BulkItemError `json:"error"`
}

type BulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *BulkItemError) String() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// FailedItems returns the statuses of documents the server rejected,
// in response order.
func (r *BulkResponse) FailedItems() []BulkItemStat {
	var failed []BulkItemStat
	for _, actions := range r.Items {
		for _, stat := range actions {
			if stat.Error != nil || stat.Status >= 300 {
				failed = append(failed, stat)
			}
		}
	}
	return failed
}

// ServerError is the structured error envelope of a rejected request.
type ServerError struct {
	Status int `json:"status"`
	Err    struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Submit posts one bulk body and classifies the outcome. It never returns an
// error value: transport failures are folded into the Response so the retry
// layer can treat all outcomes uniformly.
func (s *Submitter) Submit(ctx context.Context, body []byte) *Response {
	var res, err = s.client.Bulk(bytes.NewReader(body), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return &Response{TransportErr: fmt.Errorf("sending bulk request: %w", err)}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return &Response{
			StatusCode:   res.StatusCode,
			TransportErr: fmt.Errorf("reading bulk response: %w", err),
		}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		var bulk BulkResponse
		if err = json.Unmarshal(raw, &bulk); err != nil {
			return &Response{
				StatusCode:   res.StatusCode,
				TransportErr: fmt.Errorf("decoding bulk response: %w", err),
			}
		}
		return &Response{StatusCode: res.StatusCode, Bulk: &bulk}
	}

	var serverErr ServerError
	if err = json.Unmarshal(raw, &serverErr); err == nil && serverErr.Err.Type != "" {
		return &Response{StatusCode: res.StatusCode, ServerError: &serverErr}
	}
	// An HTTP failure without a structured envelope (load balancer 502s and
	// the like) is a transport failure: retrying may reach a healthy node.
	return &Response{
		StatusCode:   res.StatusCode,
		TransportErr: fmt.Errorf("bulk request failed with status %d", res.StatusCode),
	}
}
