// Package logsink writes the CSV session log (spec §6), queueing samples so
// the streaming hot path never blocks on file or network I/O.
package logsink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/alxayo/neurolink/internal/logger"
)

// header is the exact CSV header row spec §6 requires.
var header = []string{"Timestamp", "Value", "InSeizure", "TherapyState"}

// Row is one decoded sample plus the therapy state in effect when it arrived.
type Row struct {
	TimestampMs   uint32
	VoltageMV     float64
	InSeizure     bool
	TherapyActive bool
}

// Archiver uploads a finished log file to durable storage. Implementations
// must be safe to call from Writer's background goroutine.
type Archiver interface {
	Archive(ctx context.Context, localPath string) error
}

// Writer queues Rows on a channel buffered to 4096 rows and appends them to a
// CSV file dedicated to one streaming session, decoupling the streaming hot
// path from file I/O. The queue is bounded: rows that arrive while it is full
// are dropped (see WriteSample). Call Close to flush and, if an Archiver is configured, upload the
// finished file.
type Writer struct {
	log      *slog.Logger
	archiver Archiver

	rows chan Row
	done chan struct{}

	path string
}

// New creates (or truncates) a session log file under dir named with a
// collision-safe UUID suffix, writes the CSV header, and starts the
// background writer goroutine. archiver may be nil to skip upload.
func New(dir string, log *slog.Logger, archiver Archiver) (*Writer, error) {
	if log == nil {
		log = logger.Logger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: creating directory %s: %w", dir, err)
	}
	sessionID := uuid.NewString()
	log = logger.WithSession(log, sessionID)
	name := fmt.Sprintf("session-%s.csv", sessionID)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: opening %s: %w", path, err)
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logsink: writing header: %w", err)
	}
	cw.Flush()

	w := &Writer{
		log:      log,
		archiver: archiver,
		rows:     make(chan Row, 4096),
		done:     make(chan struct{}),
		path:     path,
	}
	go w.run(f, cw)
	return w, nil
}

// Path returns the local file path this Writer is appending to.
func (w *Writer) Path() string { return w.path }

// WriteSample enqueues one row. It never blocks the caller on I/O; if the
// queue is saturated the row is dropped and logged, matching the "streaming
// hot path must never stall on the log sink" requirement.
func (w *Writer) WriteSample(timestampMs uint32, voltageMV float64, inSeizure bool, therapyActive bool) {
	row := Row{TimestampMs: timestampMs, VoltageMV: voltageMV, InSeizure: inSeizure, TherapyActive: therapyActive}
	select {
	case w.rows <- row:
	default:
		w.log.Warn("logsink: queue full, dropping row", "timestamp_ms", timestampMs)
	}
}

func (w *Writer) run(f *os.File, cw *csv.Writer) {
	defer close(w.done)
	defer f.Close()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case row, ok := <-w.rows:
			if !ok {
				cw.Flush()
				return
			}
			record := []string{
				strconv.FormatUint(uint64(row.TimestampMs), 10),
				strconv.FormatFloat(row.VoltageMV, 'f', -1, 64),
				strconv.FormatBool(row.InSeizure),
				strconv.FormatBool(row.TherapyActive),
			}
			if err := cw.Write(record); err != nil {
				w.log.Error("logsink: write failed", "error", err)
			}
		case <-ticker.C:
			cw.Flush()
		}
	}
}

// Close drains the queue, flushes and closes the file, and (if an Archiver
// was configured) uploads it. Safe to call once.
func (w *Writer) Close(ctx context.Context) error {
	close(w.rows)
	<-w.done
	if w.archiver == nil {
		return nil
	}
	return w.archiver.Archive(ctx, w.path)
}

// GzipRotate compresses path to path+".gz" alongside it, leaving the
// original in place for the caller to remove once satisfied.
func GzipRotate(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("logsink: rotate open: %w", err)
	}
	defer in.Close()

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", fmt.Errorf("logsink: rotate create: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return "", fmt.Errorf("logsink: rotate compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("logsink: rotate finalize: %w", err)
	}
	return gzPath, nil
}

// S3Archiver uploads finished session logs to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an S3Archiver using the default AWS SDK v2
// credential chain (environment, shared config, IMDS).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("logsink: loading aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// Archive gzips localPath and uploads it under prefix/<basename>.gz.
func (a *S3Archiver) Archive(ctx context.Context, localPath string) error {
	gzPath, err := GzipRotate(localPath)
	if err != nil {
		return err
	}
	f, err := os.Open(gzPath)
	if err != nil {
		return fmt.Errorf("logsink: opening rotated file: %w", err)
	}
	defer f.Close()

	key := filepath.Join(a.prefix, filepath.Base(gzPath))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("logsink: s3 upload failed: %w", err)
	}
	return nil
}
