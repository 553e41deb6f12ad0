package schemasink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// notificationName is the envelope name the analytics service expects for
// open-schema blob announcements.
const notificationName = "Microsoft.ApplicationInsights.OpenSchema"

// Notifier posts blob announcements to the analytics ingestion endpoint.
// One Notifier (and its HTTP client) is shared by all partitions.
type Notifier struct {
	Endpoint           string
	InstrumentationKey string
	Client             *http.Client
	// MaxAttempts bounds delivery attempts. Default 10.
	MaxAttempts int

	now func() time.Time
}

type notification struct {
	Ver  string           `json:"ver"`
	Name string           `json:"name"`
	Time time.Time        `json:"time"`
	IKey string           `json:"iKey"`
	Data notificationData `json:"data"`
}

type notificationData struct {
	BaseType string               `json:"baseType"`
	BaseData notificationBaseData `json:"baseData"`
}

type notificationBaseData struct {
	Ver           string `json:"ver"`
	BlobSASURI    string `json:"blobSasUri"`
	SourceName    string `json:"sourceName"`
	SourceVersion string `json:"sourceVersion"`
}

// Notify announces a newly-written blob so the analytics service can ingest
// it, retrying with exponential backoff until MaxAttempts is exhausted.
func (n *Notifier) Notify(ctx context.Context, blobSASURI string, schemaID uuid.UUID) error {
	var clock = n.now
	if clock == nil {
		clock = time.Now
	}
	var payload, err = json.Marshal(notification{
		Ver:  "1",
		Name: notificationName,
		Time: clock().UTC(),
		IKey: n.InstrumentationKey,
		Data: notificationData{
			BaseType: "OpenSchemaData",
			BaseData: notificationBaseData{
				Ver:           "2",
				BlobSASURI:    blobSASURI,
				SourceName:    schemaID.String(),
				SourceVersion: "1.0",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	var maxAttempts = n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	var client = n.Client
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for attempt := 0; attempt != maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(notifyBackoff(attempt - 1)):
			}
		}
		if lastErr = n.post(ctx, client, payload); lastErr == nil {
			return nil
		}
		log.WithFields(log.Fields{
			"attempt": attempt,
			"err":     lastErr,
		}).Warn("blob notification attempt failed")
	}
	return fmt.Errorf("notifying after %d attempts: %w", maxAttempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, client *http.Client, payload []byte) error {
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", res.StatusCode)
	}
	return nil
}

// notifyBackoff doubles from 100ms per retry, capped at five seconds.
func notifyBackoff(retry int) time.Duration {
	if retry > 6 {
		retry = 6
	}
	var d = 100 * time.Millisecond << uint(retry)
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
