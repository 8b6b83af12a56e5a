package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const qdrantBackend = "qdrant"

// QdrantConfig holds configuration for the Qdrant gRPC index.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	UseTLS     bool
	APIKey     string
	// Dimension is the embedding size used when creating the collection.
	Dimension int
	// MaxRetries is the number of retries for transient gRPC errors.
	MaxRetries int
	// RetryBackoff is the initial retry delay; it doubles per retry.
	RetryBackoff time.Duration
	// MaxMessageSize caps gRPC message sizes in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "vendorscope_chunks"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be in 1..65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantIndex stores all vendors in one collection and filters by the
// vendor_id payload field.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    QdrantConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewQdrantIndex connects to Qdrant and makes sure the collection exists.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	ix := &QdrantIndex{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ix.Health(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := ix.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *QdrantIndex) ensureCollection(ctx context.Context) error {
	var exists bool
	err := ix.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = ix.client.CollectionExists(ctx, ix.cfg.Collection)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", ix.cfg.Collection, err)
	}
	if exists {
		return nil
	}

	err = ix.retry(ctx, "create_collection", func() error {
		return ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: ix.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(ix.cfg.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", ix.cfg.Collection, err)
	}

	_, err = ix.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: ix.cfg.Collection,
		FieldName:      "vendor_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		ix.logger.Warn("creating vendor_id payload index failed", zap.Error(err))
	}

	ix.logger.Info("created qdrant collection",
		zap.String("collection", ix.cfg.Collection),
		zap.Int("dimension", ix.cfg.Dimension))
	return nil
}

// retry retries an operation with exponential backoff on transient errors.
func (ix *QdrantIndex) retry(ctx context.Context, op string, fn func() error) error {
	backoff := ix.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		if attempt == ix.cfg.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, ix.cfg.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func vendorFilter(vendorID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatchKeyword("vendor_id", vendorID)},
	}
}

// Upsert writes entries as points keyed by chunk id.
func (ix *QdrantIndex) Upsert(ctx context.Context, entries []Entry) (err error) {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.upsert")
	defer span.End()
	span.SetAttributes(attribute.String("backend", qdrantBackend), attribute.Int("entry_count", len(entries)))
	defer func(start time.Time) { observe(qdrantBackend, "upsert", start, err) }(time.Now())

	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if err := checkVector(e.Vector, ix.cfg.Dimension); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.ChunkID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":    e.ChunkID,
				"vendor_id":   e.VendorID,
				"document_id": e.DocumentID,
			}),
		}
	}

	err = ix.retry(ctx, "upsert", func() error {
		_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: ix.cfg.Collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

// Query returns the nearest points of one vendor.
func (ix *QdrantIndex) Query(ctx context.Context, vendorID string, vector []float32, k int) (matches []Match, err error) {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", qdrantBackend),
		attribute.String("vendor.id", vendorID),
		attribute.Int("k", k),
	)
	defer func(start time.Time) { observe(qdrantBackend, "query", start, err) }(time.Now())

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := checkVector(vector, ix.cfg.Dimension); err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = ix.retry(ctx, "query", func() error {
		res, err := ix.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: ix.cfg.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			Filter:         vendorFilter(vendorID),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying vendor %s: %w", vendorID, err)
	}

	matches = make([]Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, Match{
			ChunkID:    payloadString(p.Payload, "chunk_id"),
			VendorID:   vendorID,
			DocumentID: payloadString(p.Payload, "document_id"),
			Score:      p.Score,
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	return matches, nil
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		return v.GetStringValue()
	}
	return ""
}

// Delete removes points by chunk id.
func (ix *QdrantIndex) Delete(ctx context.Context, vendorID string, chunkIDs []string) (err error) {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.delete")
	defer span.End()
	span.SetAttributes(attribute.String("vendor.id", vendorID), attribute.Int("id_count", len(chunkIDs)))
	defer func(start time.Time) { observe(qdrantBackend, "delete", start, err) }(time.Now())

	if len(chunkIDs) == 0 {
		return nil
	}
	filter := vendorFilter(vendorID)
	filter.Must = append(filter.Must, qdrant.NewMatchKeywords("chunk_id", chunkIDs...))
	return ix.deleteByFilter(ctx, "delete", filter)
}

// DeleteVendor removes every point of the vendor.
func (ix *QdrantIndex) DeleteVendor(ctx context.Context, vendorID string) (err error) {
	defer func(start time.Time) { observe(qdrantBackend, "delete_vendor", start, err) }(time.Now())
	return ix.deleteByFilter(ctx, "delete_vendor", vendorFilter(vendorID))
}

func (ix *QdrantIndex) deleteByFilter(ctx context.Context, op string, filter *qdrant.Filter) error {
	err := ix.retry(ctx, op, func() error {
		_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: ix.cfg.Collection,
			Points:         qdrant.NewPointsSelectorFilter(filter),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Count returns the exact number of points of a vendor.
func (ix *QdrantIndex) Count(ctx context.Context, vendorID string) (int, error) {
	var n uint64
	err := ix.retry(ctx, "count", func() error {
		var err error
		n, err = ix.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: ix.cfg.Collection,
			Filter:         vendorFilter(vendorID),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return int(n), nil
}

// Health checks the Qdrant server.
func (ix *QdrantIndex) Health(ctx context.Context) error {
	ctx, span := ix.tracer.Start(ctx, "vectorstore.health")
	defer span.End()

	_, err := ix.client.HealthCheck(ctx)
	RecordHealth(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (ix *QdrantIndex) Close() error {
	return ix.client.Close()
}
