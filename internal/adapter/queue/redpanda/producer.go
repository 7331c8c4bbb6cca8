// Package redpanda provides the Redpanda/Kafka report queue integration.
//
// Persisted analyses fan out as report-generation requests on the
// reports.generate topic. Publishing is transactional so a report request is
// visible exactly once, and records carry trace context via kotel.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// TopicReports is the Kafka topic carrying report-generation requests.
const TopicReports = "reports.generate"

// Metrics counts successful enqueues.
type Metrics interface{ ReportEnqueued() }

type nopMetrics struct{}

func (nopMetrics) ReportEnqueued() {}

// Producer wraps a transactional Kafka producer and implements
// domain.ReportQueue.
type Producer struct {
	client  *kgo.Client
	topic   string
	metrics Metrics

	// Buffered channel serializing transactions; franz-go allows one
	// transaction per transactional client at a time.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics and ensures
// the reports topic exists.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no seed brokers provided", domain.ErrInvalidArgument)
	}
	if transactionalID == "" {
		transactionalID = "compintel-report-producer"
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, TopicReports, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", TopicReports), slog.Any("error", err))
	}

	return &Producer{
		client:          client,
		topic:           TopicReports,
		metrics:         nopMetrics{},
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// WithMetrics attaches an enqueue counter.
func (p *Producer) WithMetrics(m Metrics) *Producer {
	if m != nil {
		p.metrics = m
	}
	return p
}

// EnqueueReport publishes the request keyed by project id, so reports for one
// project stay ordered. Returns the report id (generates one if empty).
func (p *Producer) EnqueueReport(ctx domain.Context, req domain.ReportRequest) (string, error) {
	if req.ProjectID == "" {
		return "", fmt.Errorf("%w: empty project id", domain.ErrInvalidArgument)
	}
	if req.ReportID == "" {
		req.ReportID = uuid.New().String()
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(req)
	if err != nil {
		p.abort(ctx, req.ReportID)
		return "", fmt.Errorf("marshal report request: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(req.ProjectID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "report_id", Value: []byte(req.ReportID)},
			{Key: "project_id", Value: []byte(req.ProjectID)},
			{Key: "analysis_id", Value: []byte(req.AnalysisID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		p.abort(ctx, req.ReportID)
		return "", fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	p.metrics.ReportEnqueued()
	slog.InfoContext(ctx, "report request enqueued",
		slog.String("topic", p.topic),
		slog.String("report_id", req.ReportID),
		slog.String("project_id", req.ProjectID),
		slog.String("analysis_id", req.AnalysisID))
	return req.ReportID, nil
}

func (p *Producer) abort(ctx context.Context, reportID string) {
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("failed to abort transaction",
			slog.String("report_id", reportID), slog.Any("error", err))
	}
}

// Ping verifies broker connectivity; used by readiness.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
