// Package ingest turns raw HL7 input into published, parsed messages. It sits
// between the transports (files, stdin, MLLP) and the publisher.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"

	"github.com/medcode/medcode/internal/platform/hl7v2"
	"github.com/medcode/medcode/internal/platform/publish"
	"github.com/medcode/medcode/internal/platform/telemetry"
)

// SourceMLLP is the source name recorded for messages received over MLLP.
const SourceMLLP = "mllp"

// Service parses input and publishes one envelope per message.
type Service struct {
	parser        *hl7v2.Parser
	publisher     publish.Publisher
	publisherName string
	metrics       *telemetry.Metrics
	charset       encoding.Encoding
	workers       int
	logger        zerolog.Logger
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records parse and publish metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCharset sets the encoding input bytes are decoded from.
func WithCharset(enc encoding.Encoding) Option {
	return func(s *Service) { s.charset = enc }
}

// WithWorkers bounds the number of files ingested concurrently.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithPublisherName sets the publisher label used in metrics.
func WithPublisherName(name string) Option {
	return func(s *Service) { s.publisherName = name }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service publishing to publisher.
func NewService(parser *hl7v2.Parser, publisher publish.Publisher, opts ...Option) *Service {
	s := &Service{
		parser:        parser,
		publisher:     publisher,
		publisherName: "default",
		charset:       charsets["utf-8"],
		workers:       4,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of ingesting one input.
type Result struct {
	BatchID   string
	Source    string
	Envelopes []*publish.Envelope

	// PublishErrors is aligned with Envelopes; nil entries were published.
	PublishErrors []error
}

// Summary counts the outcomes in a Result.
type Summary struct {
	Messages   int `json:"messages"`
	Failed     int `json:"failed"`
	WithErrors int `json:"with_errors"`
	Discharges int `json:"discharges"`
	Published  int `json:"published"`
}

// Summary tallies the result.
func (r *Result) Summary() Summary {
	var sum Summary
	for i, env := range r.Envelopes {
		sum.Messages++
		switch {
		case env.Message.Failed():
			sum.Failed++
		case len(env.Message.ParseErrors) > 0:
			sum.WithErrors++
		}
		if env.Discharge {
			sum.Discharges++
		}
		if r.PublishErrors[i] == nil {
			sum.Published++
		}
	}
	return sum
}

// IngestContent parses content as a batch and publishes every message.
// Publish failures are recorded per message and do not stop the batch; the
// returned error is reserved for decode failures and cancellation.
func (s *Service) IngestContent(ctx context.Context, source string, content []byte) (*Result, error) {
	text, err := decode(s.charset, content)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", source, err)
	}

	res := &Result{BatchID: uuid.NewString(), Source: source}
	log := s.logger.With().Str("batch_id", res.BatchID).Str("source", source).Logger()
	receivedAt := s.now()

	for i, raw := range hl7v2.SplitBatch(text) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := time.Now()
		msg := s.parser.Parse(raw)
		if s.metrics != nil {
			s.metrics.ObserveParse(msg.MessageType, msg.Failed(), len(msg.ParseErrors), time.Since(start))
		}
		if len(msg.ParseErrors) > 0 {
			log.Warn().
				Int("position", i).
				Str("control_id", msg.ControlID).
				Strs("parse_errors", msg.ParseErrors).
				Msg("message parsed with errors")
		}

		env := publish.NewEnvelope(res.BatchID, source, i, receivedAt, msg)
		perr := s.publish(ctx, env)
		if perr != nil {
			log.Error().Err(perr).Int("position", i).Str("control_id", msg.ControlID).Msg("publish failed")
		}
		res.Envelopes = append(res.Envelopes, env)
		res.PublishErrors = append(res.PublishErrors, perr)
	}

	if s.metrics != nil {
		s.metrics.BatchesIngested.WithLabelValues(sourceKind(source)).Inc()
	}
	sum := res.Summary()
	log.Info().
		Int("messages", sum.Messages).
		Int("failed", sum.Failed).
		Int("published", sum.Published).
		Msg("batch ingested")

	return res, nil
}

// IngestReader reads r to the end and ingests it.
func (s *Service) IngestReader(ctx context.Context, source string, r io.Reader) (*Result, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: read: %w", source, err)
	}
	return s.IngestContent(ctx, source, content)
}

// IngestFiles ingests paths concurrently, at most the configured number of
// workers at a time. Results are returned in input order. The first read
// error cancels the remaining files.
func (s *Service) IngestFiles(ctx context.Context, paths []string) ([]*Result, error) {
	results := make([]*Result, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, path := range paths {
		g.Go(func() error {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			res, err := s.IngestContent(gctx, path, content)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// HandleMLLP ingests one MLLP payload and returns the acknowledgement for it.
// A payload carrying several messages is acknowledged by its first one.
func (s *Service) HandleMLLP(ctx context.Context, payload []byte) []byte {
	if s.metrics != nil {
		s.metrics.MLLPFrames.Inc()
	}

	var msg *hl7v2.ParsedMessage
	var publishErr error

	res, err := s.IngestContent(ctx, SourceMLLP, payload)
	if err == nil && len(res.Envelopes) > 0 {
		msg = res.Envelopes[0].Message
		publishErr = res.PublishErrors[0]
	} else {
		if err != nil {
			s.logger.Error().Err(err).Msg("mllp payload not ingested")
		}
		msg = s.parser.Parse(string(payload))
	}

	code := hl7v2.AckCodeFor(msg)
	if code == hl7v2.AckAccept && (err != nil || publishErr != nil) {
		code = hl7v2.AckError
	}

	now := s.now()
	ack := hl7v2.BuildACK(msg, code, "ACK"+now.UTC().Format("20060102150405.000"), now)
	return []byte(ack)
}

func (s *Service) publish(ctx context.Context, env *publish.Envelope) error {
	err := s.publisher.Publish(ctx, env)
	if s.metrics != nil {
		if err != nil {
			s.metrics.PublishFailures.WithLabelValues(s.publisherName).Inc()
		} else {
			s.metrics.MessagesPublished.WithLabelValues(s.publisherName).Inc()
		}
	}
	return err
}

func sourceKind(source string) string {
	switch source {
	case SourceMLLP:
		return SourceMLLP
	case "-", "stdin":
		return "stdin"
	default:
		return "file"
	}
}
