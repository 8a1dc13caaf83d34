// Package transport applies the session's failure policy to backend calls:
// queries always produce a renderable answer, uploads and rebuilds fail or
// degrade to mocks depending on configuration, and a circuit breaker stops
// calling a backend that is known to be down.
package transport

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/adapter"
	"github.com/sells-group/govchat/internal/metrics"
	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/resilience"
	"github.com/sells-group/govchat/internal/tracer"
	"github.com/sells-group/govchat/pkg/ragapi"
)

// MockDocumentCount is the document count reported by the offline index
// status mock.
const MockDocumentCount = 42

const statusCacheKey = "index-status"

var errNoContent = eris.New("file has no content")

// Option configures the client.
type Option func(*Client)

// WithMockOnFailure makes Upload, RebuildIndex and IndexStatus return
// optimistic mocks instead of errors when the backend is unavailable.
func WithMockOnFailure(on bool) Option {
	return func(c *Client) {
		c.mockOnFailure = on
	}
}

// WithStatusCacheTTL caches IndexStatus results for ttl. Zero disables the
// cache.
func WithStatusCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.statusTTL = ttl
	}
}

// WithBreaker sets the circuit breaker shared by all calls.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithMetrics records call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client wraps a ragapi.Client with the session's failure policy. It is safe
// for concurrent use.
type Client struct {
	api           ragapi.Client
	breaker       *resilience.Breaker
	statusCache   *cache.Cache
	statusTTL     time.Duration
	mockOnFailure bool
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
	tracer        trace.Tracer
}

// New creates a policy client over api.
func New(api ragapi.Client, opts ...Option) *Client {
	c := &Client{
		api:    api,
		now:    time.Now,
		tracer: tracer.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.DefaultBreakerConfig())
	}
	if c.log == nil {
		c.log = zap.L()
	}
	c.log = c.log.With(zap.String("component", "transport"))
	if c.statusTTL > 0 {
		c.statusCache = cache.New(c.statusTTL, 2*c.statusTTL)
	}
	return c
}

// NewBreaker builds a breaker that logs transitions and exports its state.
func NewBreaker(cfg resilience.BreakerConfig, m *metrics.Metrics) *resilience.Breaker {
	cfg.OnStateChange = func(from, to resilience.State) {
		zap.L().Warn("backend circuit changed state",
			zap.String("component", "transport"),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		m.SetBreakerState(int(to))
	}
	return resilience.NewBreaker(cfg)
}

// MockOnFailure reports whether offline mocks are enabled.
func (c *Client) MockOnFailure() bool {
	return c.mockOnFailure
}

// BreakerState returns the backend circuit state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Query asks the backend a question. Transport failures never surface: the
// result is then a locally synthesized fallback with Provenance fallback.
// The only error returned wraps adapter.ErrUnrecognizedSchema.
func (c *Client) Query(ctx context.Context, question string, settings model.ChatSettings) (model.QueryResult, error) {
	ctx, span := c.tracer.Start(ctx, "transport.Query", trace.WithAttributes(
		attribute.Int("question.length", len(question)),
		attribute.Int("settings.top_k", settings.TopK),
	))
	defer span.End()
	start := c.now()

	raw, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return c.api.Query(ctx, question, toWire(settings))
	})
	received := c.now()
	if err != nil {
		c.log.Warn("query failed, answering with fallback", zap.Error(err))
		c.metrics.ObserveCall("query", metrics.OutcomeFallback, received.Sub(start))
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("fallback", true))
		return adapter.Fallback(question, received), nil
	}

	result, err := adapter.Normalize(raw, received)
	if err != nil {
		c.log.Error("unrecognized query response", zap.Error(err), zap.Int("bytes", len(raw)))
		c.metrics.ObserveCall("query", metrics.OutcomeRejected, received.Sub(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "unrecognized schema")
		return model.QueryResult{}, eris.Wrap(err, "transport: query")
	}

	c.metrics.ObserveCall("query", metrics.OutcomeOK, received.Sub(start))
	span.SetAttributes(
		attribute.String("schema", string(result.Schema)),
		attribute.Int("trust_score", result.Audit.TrustScore),
		attribute.Int("retrieved", len(result.Audit.Retrieved)),
	)
	return result, nil
}

// Upload sends files to the backend in one request.
func (c *Client) Upload(ctx context.Context, blobs []model.FileBlob) (model.UploadResult, error) {
	ctx, span := c.tracer.Start(ctx, "transport.Upload", trace.WithAttributes(attribute.Int("files", len(blobs))))
	defer span.End()
	start := c.now()

	files, err := readBlobs(blobs)
	if err != nil {
		// Nothing reached the backend, so there is nothing to mock.
		span.RecordError(err)
		span.SetStatus(codes.Error, "file unreadable")
		c.metrics.ObserveCall("upload", metrics.OutcomeError, c.now().Sub(start))
		return model.UploadResult{}, eris.Wrap(err, "transport: upload")
	}

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*ragapi.UploadResponse, error) {
		return c.api.Upload(ctx, files)
	})
	if err != nil {
		span.RecordError(err)
		if c.mockOnFailure {
			c.log.Warn("upload failed, returning offline mock", zap.Error(err))
			c.metrics.ObserveCall("upload", metrics.OutcomeFallback, c.now().Sub(start))
			return c.mockUpload(blobs), nil
		}
		c.metrics.ObserveCall("upload", metrics.OutcomeError, c.now().Sub(start))
		span.SetStatus(codes.Error, "upload failed")
		return model.UploadResult{}, eris.Wrap(err, "transport: upload")
	}

	c.metrics.ObserveCall("upload", metrics.OutcomeOK, c.now().Sub(start))
	c.invalidateStatus()
	return model.UploadResult{Files: fromWireFiles(resp.Files, blobs), Provenance: model.ProvenanceBackend}, nil
}

// RebuildIndex asks the backend to rebuild the index with settings.
func (c *Client) RebuildIndex(ctx context.Context, settings model.ChatSettings) (model.RebuildResult, error) {
	ctx, span := c.tracer.Start(ctx, "transport.RebuildIndex")
	defer span.End()
	start := c.now()

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*ragapi.RebuildResponse, error) {
		return c.api.RebuildIndex(ctx, toWire(settings))
	})
	if err != nil {
		span.RecordError(err)
		if c.mockOnFailure {
			c.log.Warn("rebuild failed, returning offline mock", zap.Error(err))
			c.metrics.ObserveCall("rebuild", metrics.OutcomeFallback, c.now().Sub(start))
			return model.RebuildResult{
				Success:    true,
				Message:    "Index rebuilt successfully (mock)",
				Provenance: model.ProvenanceFallback,
			}, nil
		}
		c.metrics.ObserveCall("rebuild", metrics.OutcomeError, c.now().Sub(start))
		span.SetStatus(codes.Error, "rebuild failed")
		return model.RebuildResult{}, eris.Wrap(err, "transport: rebuild index")
	}

	c.metrics.ObserveCall("rebuild", metrics.OutcomeOK, c.now().Sub(start))
	c.invalidateStatus()
	return model.RebuildResult{Success: resp.Success, Message: resp.Message, Provenance: model.ProvenanceBackend}, nil
}

// IndexStatus returns the backend index status. Results are cached briefly
// so concurrent pollers share one backend request.
func (c *Client) IndexStatus(ctx context.Context) (model.IndexStatus, error) {
	if c.statusCache != nil {
		if v, ok := c.statusCache.Get(statusCacheKey); ok {
			return v.(model.IndexStatus), nil
		}
	}

	ctx, span := c.tracer.Start(ctx, "transport.IndexStatus")
	defer span.End()
	start := c.now()

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*ragapi.IndexStatusResponse, error) {
		return c.api.IndexStatus(ctx)
	})
	if err != nil {
		span.RecordError(err)
		if c.mockOnFailure {
			c.metrics.ObserveCall("index_status", metrics.OutcomeFallback, c.now().Sub(start))
			now := c.now()
			return model.IndexStatus{
				IsBuilt:       true,
				DocumentCount: MockDocumentCount,
				LastUpdated:   &now,
				Provenance:    model.ProvenanceFallback,
			}, nil
		}
		c.metrics.ObserveCall("index_status", metrics.OutcomeError, c.now().Sub(start))
		return model.IndexStatus{}, eris.Wrap(err, "transport: index status")
	}

	c.metrics.ObserveCall("index_status", metrics.OutcomeOK, c.now().Sub(start))
	status := model.IndexStatus{
		IsBuilt:       resp.IsBuilt,
		DocumentCount: resp.DocumentCount,
		LastUpdated:   resp.LastUpdated,
		Provenance:    model.ProvenanceBackend,
	}
	if c.statusCache != nil {
		c.statusCache.SetDefault(statusCacheKey, status)
	}
	return status, nil
}

// Health pings the backend outside the breaker. A healthy backend closes an
// open circuit.
func (c *Client) Health(ctx context.Context) bool {
	start := c.now()
	err := c.api.Ping(ctx)
	if err != nil {
		c.log.Debug("backend ping failed", zap.Error(err))
		c.metrics.ObserveCall("ping", metrics.OutcomeError, c.now().Sub(start))
		c.metrics.SetBackendHealthy(false)
		return false
	}
	c.metrics.ObserveCall("ping", metrics.OutcomeOK, c.now().Sub(start))
	c.metrics.SetBackendHealthy(true)
	if c.breaker.State() != resilience.StateClosed {
		c.breaker.Reset()
	}
	return true
}

// readBlobs loads every blob before the breaker sees the call, so an
// unreadable file fails locally instead of counting as a backend outage.
func readBlobs(blobs []model.FileBlob) ([]ragapi.File, error) {
	files := make([]ragapi.File, len(blobs))
	for i, b := range blobs {
		if b.Open == nil {
			return nil, &ragapi.FileError{Name: b.Name, Err: errNoContent}
		}
		rc, err := b.Open()
		if err != nil {
			return nil, &ragapi.FileError{Name: b.Name, Err: err}
		}
		data, err := io.ReadAll(rc)
		rc.Close() //nolint:errcheck
		if err != nil {
			return nil, &ragapi.FileError{Name: b.Name, Err: err}
		}
		files[i] = ragapi.File{
			Name:        b.Name,
			ContentType: b.Type,
			Open:        func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
		}
	}
	return files, nil
}

func (c *Client) invalidateStatus() {
	if c.statusCache != nil {
		c.statusCache.Delete(statusCacheKey)
	}
}

func (c *Client) mockUpload(blobs []model.FileBlob) model.UploadResult {
	now := c.now()
	files := make([]model.UploadedFile, len(blobs))
	for i, b := range blobs {
		files[i] = model.UploadedFile{
			ID:        uuid.NewString(),
			Name:      b.Name,
			Size:      b.Size,
			Type:      b.Type,
			Status:    model.FileIndexed,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return model.UploadResult{Files: files, Provenance: model.ProvenanceFallback}
}

func toWire(s model.ChatSettings) ragapi.Settings {
	return ragapi.Settings{
		UseOpenAI:    s.UseOpenAI,
		TopK:         s.TopK,
		ChunkSize:    s.ChunkSize,
		ChunkOverlap: s.ChunkOverlap,
		ModelName:    s.ModelName,
		EmbedModel:   s.EmbedModel,
	}
}

// fromWireFiles maps backend records onto the request order. Missing
// fields fall back to what the caller sent.
func fromWireFiles(wire []ragapi.UploadedFile, blobs []model.FileBlob) []model.UploadedFile {
	out := make([]model.UploadedFile, 0, len(wire))
	for i, w := range wire {
		f := model.UploadedFile{
			ID:     w.ID,
			Name:   w.Name,
			Size:   w.Size,
			Type:   w.Type,
			Status: model.FileStatus(w.Status),
		}
		if i < len(blobs) {
			if f.Name == "" {
				f.Name = blobs[i].Name
			}
			if f.Size == 0 {
				f.Size = blobs[i].Size
			}
			if f.Type == "" {
				f.Type = blobs[i].Type
			}
		}
		if !f.Status.IsValid() {
			f.Status = model.FileProcessing
		}
		out = append(out, f)
	}
	return out
}
