package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"github.com/medcode/medcode/internal/config"
	"github.com/medcode/medcode/internal/domain/ingest"
	"github.com/medcode/medcode/internal/platform/hl7v2"
	"github.com/medcode/medcode/internal/platform/mllp"
	"github.com/medcode/medcode/internal/platform/publish"
	"github.com/medcode/medcode/internal/platform/server"
	"github.com/medcode/medcode/internal/platform/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "medcode",
		Short:        "HL7 v2 parsing and normalization engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(splitCmd())

	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ops server and the MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [files...]",
		Short: "Parse HL7 batch files (or stdin) and publish every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Envelopes may go to stdout, so logs use stderr.
			logger := newLogger(cfg, cmd.ErrOrStderr())
			return runParse(cmd.Context(), cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}
}

func splitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "split [file]",
		Short: "Print the message boundaries found in a batch file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				content []byte
				err     error
			)
			if len(args) == 0 || args[0] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return runSplit(string(content), cmd.OutOrStdout())
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w})
	}
	return logger
}

// newPublisher builds the configured publisher. Broker-backed publishers are
// wrapped in a circuit breaker.
func newPublisher(cfg *config.Config, out io.Writer, logger zerolog.Logger, metrics *telemetry.Metrics) (publish.Publisher, error) {
	breaker := func(name string, next publish.Publisher) publish.Publisher {
		return publish.NewBreakerPublisher(next, publish.BreakerConfig{
			Name:        name,
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		}, logger, metrics)
	}

	switch cfg.Publisher {
	case config.PublisherStdout:
		return publish.NewWriterPublisher(out), nil
	case config.PublisherNone:
		return publish.Discard{}, nil
	case config.PublisherAMQP:
		p, err := publish.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			return nil, err
		}
		return breaker(config.PublisherAMQP, p), nil
	case config.PublisherKafka:
		p, err := publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, err
		}
		return breaker(config.PublisherKafka, p), nil
	default:
		return nil, fmt.Errorf("unknown publisher %q", cfg.Publisher)
	}
}

func newService(cfg *config.Config, pub publish.Publisher, logger zerolog.Logger, metrics *telemetry.Metrics) (*ingest.Service, error) {
	charset, err := cfg.Charset()
	if err != nil {
		return nil, err
	}
	parser := hl7v2.NewParser(hl7v2.WithLogger(logger))
	return ingest.NewService(parser, pub,
		ingest.WithLogger(logger),
		ingest.WithMetrics(metrics),
		ingest.WithCharset(charset),
		ingest.WithWorkers(cfg.ParseWorkers),
		ingest.WithPublisherName(cfg.Publisher),
	), nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	metrics := telemetry.New(nil)

	pub, err := newPublisher(cfg, os.Stdout, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer pub.Close()

	svc, err := newService(cfg, pub, logger, metrics)
	if err != nil {
		return err
	}

	ops := server.New(cfg.OpsAddr(), metrics, logger)
	if bp, ok := pub.(*publish.BreakerPublisher); ok {
		ops.AddReadinessCheck("publisher", func(context.Context) error {
			if bp.State() == gobreaker.StateOpen {
				return publish.ErrBreakerOpen
			}
			return nil
		})
	}

	var mllpServer *mllp.Server
	if cfg.MLLPAddr != "" {
		mllpServer = mllp.NewServer(cfg.MLLPAddr, svc.HandleMLLP, logger)
		if err := mllpServer.Start(); err != nil {
			return err
		}
		logger.Info().Str("addr", mllpServer.Addr()).Msg("MLLP listener started")
		ops.AddReadinessCheck("mllp", func(context.Context) error {
			if !mllpServer.Listening() {
				return errors.New("mllp listener not running")
			}
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ops.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}

	logger.Info().Msg("shutting down")
	if mllpServer != nil {
		if err := mllpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("failed to stop MLLP listener")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ops.Shutdown(ctx)
}

func runParse(ctx context.Context, cfg *config.Config, logger zerolog.Logger, stdin io.Reader, stdout, stderr io.Writer, paths []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pub, err := newPublisher(cfg, stdout, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer pub.Close()

	svc, err := newService(cfg, pub, logger, nil)
	if err != nil {
		return err
	}

	var results []*ingest.Result
	if len(paths) == 0 {
		res, err := svc.IngestReader(ctx, "stdin", stdin)
		if err != nil {
			return err
		}
		results = []*ingest.Result{res}
	} else {
		results, err = svc.IngestFiles(ctx, paths)
		if err != nil {
			return err
		}
	}

	failedPublishes := 0
	for _, res := range results {
		sum := res.Summary()
		fmt.Fprintf(stderr, "%s: %d messages, %d failed, %d with errors, %d discharges, %d published\n",
			res.Source, sum.Messages, sum.Failed, sum.WithErrors, sum.Discharges, sum.Published)
		failedPublishes += sum.Messages - sum.Published
	}
	if failedPublishes > 0 {
		return fmt.Errorf("%d messages could not be published", failedPublishes)
	}
	return nil
}

func runSplit(content string, out io.Writer) error {
	parser := hl7v2.NewParser()
	for i, raw := range hl7v2.SplitBatch(content) {
		header, _, _ := strings.Cut(raw, hl7v2.SegmentDelimiter)
		controlID := parser.Parse(raw).ControlID
		if _, err := fmt.Fprintf(out, "%d\t%s\t%s\n", i+1, controlID, header); err != nil {
			return err
		}
	}
	return nil
}
