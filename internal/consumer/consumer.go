// Package consumer turns files-for-analysis messages into analysis runs.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/analysis"
	"github.com/GriffinCanCode/malsmug/internal/config"
	"github.com/GriffinCanCode/malsmug/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/shared/hash"
)

var ErrInvalidRequest = errors.New("invalid analysis request")

// Request is one file submitted for analysis.
type Request struct {
	FileName   string `json:"file_name"`
	FileHash   string `json:"file_hash"`
	FileBytes  []byte `json:"file_bytes"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

// Analyzer runs one job; *analysis.Orchestrator implements it.
type Analyzer interface {
	Run(ctx context.Context, job analysis.Job) analysis.Outcome
}

// Subscriber is the part of *nats.Conn the consumer uses.
type Subscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Consumer writes each requested sample into the samples directory and
// analyses it, with at most Concurrency runs in flight.
type Consumer struct {
	an      Analyzer
	cfg     config.ConsumerConfig
	sem     chan struct{}
	wg      sync.WaitGroup
	hasher  *hash.Hasher
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// New creates a consumer. metrics may be nil.
func New(an Analyzer, cfg config.ConsumerConfig, metrics *monitoring.Metrics, log *logging.Logger) *Consumer {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		an:      an,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.Concurrency),
		hasher:  hash.Default(),
		metrics: metrics,
		log:     log.Component("consumer"),
	}
}

// Start subscribes to subject in queue so that several sandboxes share the
// load. Runs use ctx.
func (c *Consumer) Start(ctx context.Context, sub Subscriber, subject, queue string) (*nats.Subscription, error) {
	s, err := sub.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if err := c.Handle(ctx, msg.Data); err != nil {
			c.log.Warn("dropping message", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.log.Info("consuming", zap.String("subject", subject), zap.String("queue", queue))
	return s, nil
}

// Handle decodes one message, stores the sample and starts its run. It
// blocks while Concurrency runs are in flight.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	req, err := Decode(data)
	if err != nil {
		c.record("invalid")
		return err
	}
	if req.FileHash == "" {
		req.FileHash = c.hasher.Sum(req.FileBytes)
	} else if sum := c.hasher.Sum(req.FileBytes); !strings.EqualFold(sum, req.FileHash) {
		c.log.Warn("file hash does not match content",
			zap.String("file_name", req.FileName),
			zap.String("claimed", req.FileHash),
			zap.String("actual", sum))
	}
	if req.AnalysisID == "" {
		req.AnalysisID = uuid.NewString()
	}

	path, err := c.store(req)
	if err != nil {
		c.record("error")
		return err
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		_ = os.Remove(path)
		c.record("cancelled")
		return ctx.Err()
	}
	c.record("accepted")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()

		out := c.an.Run(ctx, analysis.Job{
			SamplePath: path,
			Origin:     c.cfg.BaitWebsite,
			AnalysisID: req.AnalysisID,
		})
		c.log.Info("analysis done",
			zap.String("analysis_id", req.AnalysisID),
			zap.String("file_name", req.FileName),
			zap.Stringer("state", out.State))
	}()
	return nil
}

// Wait blocks until every started run has finished.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) store(req *Request) (string, error) {
	if err := os.MkdirAll(c.cfg.SamplesDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create samples dir: %w", err)
	}
	// analysis ids keep concurrent runs of the same file apart
	name := req.FileHash + "_" + req.AnalysisID + ".js"
	path := filepath.Join(c.cfg.SamplesDir, name)
	if err := os.WriteFile(path, req.FileBytes, 0o600); err != nil {
		return "", fmt.Errorf("failed to write sample: %w", err)
	}
	return path, nil
}

func (c *Consumer) record(status string) {
	if c.metrics != nil {
		c.metrics.RecordMessage(status)
	}
}

// Decode parses and validates a request.
func Decode(data []byte) (*Request, error) {
	var req Request
	if err := sonic.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(req.FileBytes) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidRequest)
	}
	for _, field := range []string{req.FileHash, req.AnalysisID} {
		if strings.ContainsAny(field, `/\`) || field == "." || field == ".." {
			return nil, fmt.Errorf("%w: %q is not a safe file name", ErrInvalidRequest, field)
		}
	}
	return &req, nil
}
