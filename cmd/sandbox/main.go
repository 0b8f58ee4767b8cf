package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/analysis"
	"github.com/GriffinCanCode/malsmug/internal/batch"
	"github.com/GriffinCanCode/malsmug/internal/config"
	"github.com/GriffinCanCode/malsmug/internal/consumer"
	"github.com/GriffinCanCode/malsmug/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/publisher"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
	"github.com/GriffinCanCode/malsmug/internal/server"
	"github.com/GriffinCanCode/malsmug/internal/shared/id"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitStartup = 2
)

const usage = `usage:
  sandbox run [flags] <sample> <origin> <config-dir> [analysis-id]
  sandbox serve [flags]
  sandbox batch [flags] <root>
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitStartup
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return runOne(ctx, args[1:])
	case "serve":
		return serve(ctx, args[1:])
	case "batch":
		return sweep(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", args[0], usage)
		return exitStartup
	}
}

// common holds what every command builds before analysing anything.
type common struct {
	cfg     *config.Config
	log     *logging.Logger
	reg     *prometheus.Registry
	metrics *monitoring.Metrics
	host    *sandbox.Host
}

func setup(configDir string, dev bool) (*common, error) {
	cfg, err := config.LoadDir(configDir)
	if err != nil {
		return nil, err
	}
	if dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &common{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: monitoring.NewMetricsWith(reg),
		host:    sandbox.FromConfig(cfg.Sandbox, log),
	}, nil
}

func (c *common) close() {
	_ = c.host.Close()
	_ = c.log.Sync()
}

// publisherFor returns a stdout writer when toStdout is set and a broker
// publisher otherwise.
func (c *common) publisherFor(toStdout bool) (analysis.Publisher, func(), error) {
	if toStdout {
		return publisher.NewWriter(os.Stdout), func() {}, nil
	}
	p, err := publisher.Connect(c.cfg.Broker, c.log)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { _ = p.Close() }, nil
}

func runOne(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	sample := fs.String("sample", "", "Sample file to analyse")
	origin := fs.String("origin", "", "Origin URL the sample runs against")
	configDir := fs.String("config", "", "Directory holding broker.yaml and sandbox.toml")
	analysisID := fs.String("analysis-id", "", "Analysis id to report (generated when empty)")
	stdout := fs.Bool("stdout", false, "Print the record instead of publishing it")
	removeSample := fs.Bool("remove-sample", false, "Delete the sample file when done")
	dev := fs.Bool("dev", false, "Development logging")
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}
	positional := []*string{sample, origin, configDir, analysisID}
	for i, v := range fs.Args() {
		if i < len(positional) && *positional[i] == "" {
			*positional[i] = v
		}
	}

	if err := validateSample(*sample); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	if err := validateOrigin(*origin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	if *analysisID == "" {
		*analysisID = id.NewAnalysisID().String()
	}

	c, err := setup(*configDir, *dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	defer c.close()

	pub, closePub, err := c.publisherFor(*stdout)
	if err != nil {
		c.log.Error("publisher unavailable", zap.Error(err))
		return exitStartup
	}
	defer closePub()

	opts := analysis.OptionsFromConfig(c.cfg)
	opts.RemoveSample = opts.RemoveSample || *removeSample
	out := analysis.New(c.host, pub, opts, c.metrics, c.log).Run(ctx, analysis.Job{
		SamplePath: *sample,
		Origin:     *origin,
		AnalysisID: *analysisID,
	})
	return out.ExitCode()
}

func serve(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configDir := fs.String("config", "", "Directory holding broker.yaml and sandbox.toml")
	dev := fs.Bool("dev", false, "Development logging")
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}

	c, err := setup(*configDir, *dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	defer c.close()

	nc, err := publisher.Dial(c.cfg.Broker)
	if err != nil {
		c.log.Error("broker unavailable", zap.Error(err))
		return exitStartup
	}
	pub := publisher.New(nc, c.cfg.Broker.CompressThreshold, c.log)
	defer pub.Close()

	opts := analysis.OptionsFromConfig(c.cfg)
	// samples written by the consumer are ours to delete
	opts.RemoveSample = true
	orch := analysis.New(c.host, pub, opts, c.metrics, c.log)
	cons := consumer.New(orch, c.cfg.Consumer, c.metrics, c.log)

	sub, err := cons.Start(ctx, nc, c.cfg.Broker.FilesSubject, c.cfg.Broker.QueueGroup)
	if err != nil {
		c.log.Error("failed to start consumer", zap.Error(err))
		return exitStartup
	}

	stopUptime := make(chan struct{})
	go c.metrics.Run(stopUptime)
	defer close(stopUptime)

	srv := server.NewServer(server.Config{
		Addr:         c.cfg.Server.Addr,
		Development:  c.cfg.Logging.Development,
		AllowOrigins: c.cfg.Server.CORSOrigins,
		Checks: map[string]server.HealthFunc{
			"broker": func() error {
				if !nc.IsConnected() {
					return errors.New("broker disconnected")
				}
				return nil
			},
		},
	}, c.reg, c.metrics, c.log)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	code := exitOK
	select {
	case <-ctx.Done():
		c.log.Info("Shutting down gracefully...")
	case err := <-errChan:
		c.log.Error("Server error", zap.Error(err))
		code = exitFailed
	}

	if err := sub.Unsubscribe(); err != nil {
		c.log.Warn("failed to unsubscribe", zap.Error(err))
	}
	cons.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.log.Warn("Error during shutdown", zap.Error(err))
	}
	return code
}

func sweep(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	pattern := fs.String("pattern", batch.DefaultPattern, "Doublestar pattern relative to the root")
	origin := fs.String("origin", "", "Origin URL (defaults to the configured bait website)")
	configDir := fs.String("config", "", "Directory holding broker.yaml and sandbox.toml")
	stdout := fs.Bool("stdout", false, "Print records instead of publishing them")
	dev := fs.Bool("dev", false, "Development logging")
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}
	if fs.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		return exitStartup
	}
	root := fs.Arg(0)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "batch root %s is not a directory\n", root)
		return exitStartup
	}

	c, err := setup(*configDir, *dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	defer c.close()

	if *origin == "" {
		*origin = c.cfg.Consumer.BaitWebsite
	}
	if err := validateOrigin(*origin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}

	pub, closePub, err := c.publisherFor(*stdout)
	if err != nil {
		c.log.Error("publisher unavailable", zap.Error(err))
		return exitStartup
	}
	defer closePub()

	opts := analysis.OptionsFromConfig(c.cfg)
	// a sweep never deletes the files it was pointed at
	opts.RemoveSample = false
	sum, err := batch.Run(ctx, analysis.New(c.host, pub, opts, c.metrics, c.log), batch.Options{
		Root:        root,
		Pattern:     *pattern,
		Origin:      *origin,
		Concurrency: c.cfg.Sandbox.MaxSessions,
	}, c.log)
	if err != nil {
		c.log.Error("batch failed", zap.Error(err))
		return exitFailed
	}
	if sum.Failed > 0 {
		return exitFailed
	}
	return exitOK
}

func validateSample(path string) error {
	if path == "" {
		return errors.New("sample path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("sample %s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	return f.Close()
}

func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin %q must be an absolute http(s) URL", origin)
	}
	return nil
}
