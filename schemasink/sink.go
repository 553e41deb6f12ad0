// Package schemasink buffers schema-typed records in memory and flushes
// them as line-delimited JSON blobs, announcing each written blob to the
// analytics service through a notification callback.
package schemasink

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

// maxBlobWriteAttempts caps upload attempts across all account selections
// before a flush fails and surfaces to the caller.
const maxBlobWriteAttempts = 10

// ErrContainerNotFound marks an upload that failed because the destination
// container does not exist yet. The sink reacts by creating the container
// and retrying the same target.
var ErrContainerNotFound = errors.New("container not found")

// BlobAccount is one storage account the sink may write to. Implementations
// are shared across partitions and safe for concurrent use.
type BlobAccount interface {
	Name() string
	// Upload writes payload to container/blobName. A missing container is
	// reported by wrapping ErrContainerNotFound.
	Upload(ctx context.Context, container, blobName string, payload []byte) error
	CreateContainer(ctx context.Context, container string) error
	// ReadSASURL returns a read-only SAS URL for the blob, valid until expiry.
	ReadSASURL(ctx context.Context, container, blobName string, expiry time.Time) (string, error)
}

// Record is a schema-typed record accepted by a Sink. Records marshal to
// single-line JSON.
type Record interface {
	RecordTimestamp() time.Time
}

// Config fixes a Sink's schema and flush behavior.
type Config struct {
	SchemaName    string
	SchemaID      uuid.UUID
	BaseContainer string
	// Capacity is the buffer size in bytes; reaching it triggers a flush.
	Capacity int
	Compress bool
}

// FlushStats is a snapshot of flush activity since the last TakeStats call.
type FlushStats struct {
	Blobs         int
	BlobBytes     int64
	WriteErrors   int
	OversizeDrops int
	EventsTotal   int64
	OldestDoc     time.Time
}

// Sink is the per-schema append buffer of one partition. The mutex is held
// across flush I/O on purpose: it serializes appenders against an in-flight
// upload so the buffer cannot be mutated mid-flush.
type Sink struct {
	cfg      Config
	accounts []BlobAccount
	notifier *Notifier

	mu         sync.Mutex
	buf        []byte
	eventCount int
	oldestDoc  time.Time

	// Counters drained by TakeStats for self-instrumentation records.
	eventsTotal   int64
	blobsWritten  int
	blobBytes     int64
	writeErrors   int
	oversizeDrops int

	now      func() time.Time
	pick     func(n int) int
	compress func(raw []byte) ([]byte, error)
}

// New returns a Sink writing to a random member of accounts on each flush.
func New(cfg Config, accounts []BlobAccount, notifier *Notifier) *Sink {
	return &Sink{
		cfg:      cfg,
		accounts: accounts,
		notifier: notifier,
		buf:      make([]byte, 0, cfg.Capacity),
		now:      time.Now,
		pick:     rand.IntN,
		compress: gzipBytes,
	}
}

// Append encodes record into the buffer, flushing first when the record no
// longer fits. It reports whether a flush occurred. Records larger than the
// buffer capacity are dropped with an error log and never flushed.
func (s *Sink) Append(ctx context.Context, record Record) (flushed bool, err error) {
	var encoded, merr = json.Marshal(record)
	if merr != nil {
		return false, fmt.Errorf("encoding %s record: %w", s.cfg.SchemaName, merr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(encoded) > s.cfg.Capacity {
		s.oversizeDrops++
		log.WithFields(log.Fields{
			"schema": s.cfg.SchemaName,
			"size":   len(encoded),
			"prefix": truncate(encoded, 1000),
		}).Error("dropping record larger than the flush buffer")
		return false, nil
	}

	var need = len(encoded)
	if len(s.buf) > 0 {
		need += 2 // Preceding \r\n separator.
	}
	if len(s.buf)+need <= s.cfg.Capacity {
		s.write(encoded, record)
		return false, nil
	}

	if err = s.flushLocked(ctx, true); err != nil {
		return false, err
	}
	s.write(encoded, record)
	return true, nil
}

func (s *Sink) write(encoded []byte, record Record) {
	if len(s.buf) > 0 {
		s.buf = append(s.buf, '\r', '\n')
	}
	s.buf = append(s.buf, encoded...)
	s.eventCount++
	s.eventsTotal++
	if ts := record.RecordTimestamp(); s.oldestDoc.IsZero() || ts.Before(s.oldestDoc) {
		s.oldestDoc = ts
	}
}

// FlushNow uploads whatever is buffered, regardless of the size threshold.
// Flushing an empty buffer is a no-op: no upload and no notification.
func (s *Sink) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx, true)
}

// TakeStats returns the flush counters and resets the per-window ones.
// EventsTotal is cumulative over the sink's lifetime, and OldestDoc reflects
// the live buffer.
func (s *Sink) TakeStats() FlushStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats = FlushStats{
		Blobs:         s.blobsWritten,
		BlobBytes:     s.blobBytes,
		WriteErrors:   s.writeErrors,
		OversizeDrops: s.oversizeDrops,
		EventsTotal:   s.eventsTotal,
		OldestDoc:     s.oldestDoc,
	}
	s.blobsWritten, s.blobBytes, s.writeErrors, s.oversizeDrops = 0, 0, 0, 0
	return stats
}

// flushLocked uploads the buffered range. The caller holds s.mu. A failed
// compression or an exhausted upload loop leaves the buffer intact so the
// batch can fail and be redelivered.
func (s *Sink) flushLocked(ctx context.Context, reset bool) error {
	if len(s.buf) == 0 {
		return nil
	}

	var payload = s.buf
	var ext = "json"
	if s.cfg.Compress {
		var compressed, err = s.compress(s.buf)
		if err != nil {
			return fmt.Errorf("compressing %d buffered bytes: %w", len(s.buf), err)
		}
		payload, ext = compressed, "json.gz"
	}

	var lastErr error
	for attempt := 0; attempt != maxBlobWriteAttempts; attempt++ {
		var account = s.accounts[s.pick(len(s.accounts))]
		var now = s.now().UTC()
		var container = ContainerName(s.cfg.BaseContainer, now)
		var blobName = BlobName(s.cfg.SchemaName, ext, now)

		var err = account.Upload(ctx, container, blobName, payload)
		if errors.Is(err, ErrContainerNotFound) {
			if err = account.CreateContainer(ctx, container); err == nil {
				err = account.Upload(ctx, container, blobName, payload)
			}
		}
		if err != nil {
			lastErr = err
			s.writeErrors++
			log.WithFields(log.Fields{
				"schema":    s.cfg.SchemaName,
				"account":   account.Name(),
				"container": container,
				"attempt":   attempt,
				"err":       err,
			}).Warn("blob upload failed")
			continue
		}

		s.blobsWritten++
		s.blobBytes += int64(len(payload))
		log.WithFields(log.Fields{
			"schema":    s.cfg.SchemaName,
			"account":   account.Name(),
			"container": container,
			"blob":      blobName,
			"bytes":     len(payload),
			"events":    s.eventCount,
		}).Info("flushed schema buffer")

		s.notify(ctx, account, container, blobName)

		if reset {
			s.buf = s.buf[:0]
			s.eventCount = 0
			s.oldestDoc = time.Time{}
		}
		return nil
	}
	return fmt.Errorf("writing %s blob after %d attempts: %w",
		s.cfg.SchemaName, maxBlobWriteAttempts, lastErr)
}

// notify announces the uploaded blob. Notification failure never rolls back
// the upload: the blob is durable, and a missed announcement only delays
// analytics ingestion.
func (s *Sink) notify(ctx context.Context, account BlobAccount, container, blobName string) {
	var sasURL, err = account.ReadSASURL(ctx, container, blobName, s.now().Add(24*time.Hour))
	if err != nil {
		log.WithFields(log.Fields{
			"schema": s.cfg.SchemaName,
			"blob":   blobName,
			"err":    err,
		}).Error("building blob SAS URL; skipping notification")
		return
	}
	if err = s.notifier.Notify(ctx, sasURL, s.cfg.SchemaID); err != nil {
		log.WithFields(log.Fields{
			"schema": s.cfg.SchemaName,
			"blob":   blobName,
			"err":    err,
		}).Error("notification callback failed; blob remains persisted")
	}
}

// ContainerName derives the hour-keyed container: a 5-hex-char MD5 prefix of
// the date key spreads containers across storage partition ranges.
func ContainerName(base string, at time.Time) string {
	var dateKey = at.UTC().Format("2006-01-02-15")
	var sum = md5.Sum([]byte(dateKey))
	return fmt.Sprintf("%s-%s-%s", hex.EncodeToString(sum[:])[:5], base, dateKey)
}

// BlobName builds a collision-free blob name carrying the upload second and
// the schema it holds.
func BlobName(schemaName, ext string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.%s",
		uuid.NewString(), at.UTC().Format("2006-01-02-15-04-05"), schemaName, ext)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	var zw = gzip.NewWriter(&out)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
