package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "indexflow/config"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/logger"
	"indexflow/models"
	"indexflow/processor"
)

// IndexRow is one archived index tick.
type IndexRow struct {
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp   int64   `parquet:"name=timestamp, type=INT64"`
	VWAPBuy     float64 `parquet:"name=vwap_buy, type=DOUBLE"`
	VWAPSell    float64 `parquet:"name=vwap_sell, type=DOUBLE"`
	IndexMid    float64 `parquet:"name=index_mid, type=DOUBLE"`
	HasValue    bool    `parquet:"name=has_value, type=BOOLEAN"`
	Sources     string  `parquet:"name=sources, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpectedOK  int32   `parquet:"name=expected_ok, type=INT32"`
	Provisional bool    `parquet:"name=provisional, type=BOOLEAN"`
	NoPublish   bool    `parquet:"name=no_publish, type=BOOLEAN"`
	Reason      string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func rowFromTick(t *models.IndexTick) IndexRow {
	row := IndexRow{
		Symbol:      t.Symbol,
		Timestamp:   t.Timestamp.UnixMilli(),
		Sources:     strings.Join(t.Sources, ","),
		Provisional: t.Provisional,
		NoPublish:   t.NoPublish,
		Reason:      t.Reason,
	}
	if t.VWAPBuy != nil && t.VWAPSell != nil && t.IndexMid != nil {
		row.VWAPBuy, row.VWAPSell, row.IndexMid = *t.VWAPBuy, *t.VWAPSell, *t.IndexMid
		row.HasValue = true
	}
	for _, st := range t.ExpectedStatus {
		if st.Reason == models.ReasonOK {
			row.ExpectedOK++
		}
	}
	return row
}

// memoryFileWriter implements source.ParquetFile over an in-memory buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the current size; the parquet writer never seeks back.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ObjectPutter is the subset of *s3.Client used by the archive.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter batches index ticks and uploads them to S3 as one parquet
// object per symbol and flush.
type ArchiveWriter struct {
	config  appconfig.ArchiveConfig
	version string
	client  ObjectPutter
	acc     *processor.BatchAccumulator
	clock   clock.Clock
	log     *logger.Log
}

func NewArchiveWriter(ctx context.Context, cfg appconfig.ArchiveConfig, version string) (*ArchiveWriter, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	logger.GetLogger().WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("archive writer initialized")

	return newArchiveWriter(cfg, version, client, nil), nil
}

func newArchiveWriter(cfg appconfig.ArchiveConfig, version string, client ObjectPutter, clk clock.Clock) *ArchiveWriter {
	if clk == nil {
		clk = clock.Real{}
	}
	w := &ArchiveWriter{
		config:  cfg,
		version: version,
		client:  client,
		clock:   clk,
		log:     logger.GetLogger(),
	}
	w.acc = processor.NewBatchAccumulator("archive_writer", appconfig.BatchConfig{
		FlushInterval: cfg.FlushInterval,
		MaxSize:       cfg.MaxRows,
	}, clk, w.upload)
	return w
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	return w.acc.Start(ctx)
}

// Archive queues a tick for the next upload.
func (w *ArchiveWriter) Archive(tick models.IndexTick) bool {
	data, err := json.Marshal(tick)
	if err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Warn("failed to marshal index tick")
		return false
	}
	if !w.acc.Push(models.BatchItem{Topic: models.TopicIndex, Payload: data, ReceivedAt: tick.Timestamp}) {
		metrics.EmitDropMetric(w.log, metrics.DropArchive, 1, "", models.TopicIndex, tick.Symbol)
		return false
	}
	return true
}

// Stop uploads whatever is buffered.
func (w *ArchiveWriter) Stop() {
	w.acc.Close()
}

func (w *ArchiveWriter) upload(batch models.Batch) error {
	rows := make(map[string][]IndexRow)
	for _, item := range batch.Items {
		var tick models.IndexTick
		if err := json.Unmarshal(item.Payload, &tick); err != nil {
			w.log.WithComponent("archive_writer").WithError(err).Warn("skipping unreadable index tick")
			continue
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = item.ReceivedAt
		}
		rows[tick.Symbol] = append(rows[tick.Symbol], rowFromTick(&tick))
	}

	symbols := make([]string, 0, len(rows))
	for s := range rows {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var failed []string
	for _, symbol := range symbols {
		key := w.objectKey(symbol, batch.CreatedAt)
		log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
			"batch_id": batch.ID,
			"symbol":   symbol,
			"rows":     len(rows[symbol]),
			"s3_key":   key,
		})

		data, err := w.createParquetFile(rows[symbol])
		if err != nil {
			log.WithError(err).Error("failed to create parquet file")
			failed = append(failed, symbol)
			continue
		}
		if err := w.uploadToS3(key, data); err != nil {
			log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload to S3")
			metrics.EmitDropMetric(w.log, metrics.DropArchive, len(rows[symbol]), "", models.TopicIndex, symbol)
			failed = append(failed, symbol)
			continue
		}
		log.WithField("file_size", len(data)).Info("archive object uploaded")
	}
	if len(failed) > 0 {
		return fmt.Errorf("archive batch %s: %d of %d symbols failed", batch.ID, len(failed), len(symbols))
	}
	return nil
}

// objectKey builds prefix/symbol=X/date=YYYY-MM-DD/hour=HH/fkbrti_<ts>_<id>.parquet.
func (w *ArchiveWriter) objectKey(symbol string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%s_%s_%s.parquet", models.IndexType, at.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		w.config.Prefix,
		"symbol="+symbol,
		"date="+at.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", at.Hour()),
		name,
	)
}

func (w *ArchiveWriter) createParquetFile(rows []IndexRow) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(IndexRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.config.Compression,
			"indexflow-version": w.version,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Bucket, err)
	}
	return nil
}
