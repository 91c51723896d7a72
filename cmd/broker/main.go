// Command broker runs the message broker process: binds the TCP
// listener, wires authentication, subscription fan-out, optional feed
// bridges, and an optional Prometheus/health HTTP endpoint, then waits
// for SIGINT/SIGTERM (or the console "X" command) to shut down.
//
// Structurally this follows the donor WebSocket relay's main.go: flags
// override environment-sourced config, automaxprocs is imported for
// its side effect, and shutdown is a single blocking wait on a signal
// channel followed by a bounded drain. What's new is the console
// command loop (spec §6) and the feed-bridge/metrics wiring that has
// no donor equivalent.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/msgbroker/internal/acceptor"
	"github.com/adred-codev/msgbroker/internal/auth"
	"github.com/adred-codev/msgbroker/internal/config"
	"github.com/adred-codev/msgbroker/internal/feed"
	"github.com/adred-codev/msgbroker/internal/feed/kafkafeed"
	"github.com/adred-codev/msgbroker/internal/feed/natsfeed"
	"github.com/adred-codev/msgbroker/internal/ioreactor"
	"github.com/adred-codev/msgbroker/internal/logging"
	"github.com/adred-codev/msgbroker/internal/metrics"
	"github.com/adred-codev/msgbroker/internal/platform"
	"github.com/adred-codev/msgbroker/internal/session"
	"github.com/adred-codev/msgbroker/internal/sessionmgr"
	"github.com/adred-codev/msgbroker/internal/signals"
	"github.com/adred-codev/msgbroker/internal/subscription"
)

const version = "0.1.0"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "print usage and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
		console     = flag.Bool("console", false, "enable interactive console commands on stdin")
		port        = flag.Uint("port", 0, "TCP port to bind (overrides BROKER_PORT)")
		freqMS      = flag.Int("freq", 0, "session reaper frequency in milliseconds (overrides BROKER_REAP_FREQ_MS)")
		logLevel    = flag.Int("loglevel", -1, "0=trace 1=debug 2=info 3=warn 5=error (overrides BROKER_LOG_LEVEL)")
		logToFile   = flag.Bool("logtofile", false, "write logs to a rotating file instead of stdout")
		noAuth      = flag.Bool("no-auth", false, "accept every LOGON's claimed identity without verification")
		jwtSecret   = flag.String("jwt-secret", "", "HMAC secret for JWT LOGON verification")
		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated Kafka seed brokers")
		kafkaTopics  = flag.String("kafka-topics", "", "comma-separated kafka-topic[:broker-topic] mappings")
		natsURL      = flag.String("nats-url", "", "NATS server URL")
		natsSubjects = flag.String("nats-subjects", "", "comma-separated nats-subject[:broker-topic] mappings")
		metricsAddr  = flag.String("metrics-addr", "", "address to serve /metrics and /healthz on, e.g. :9090")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}
	if *showVersion {
		fmt.Println("msgbroker " + version)
		return
	}

	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "broker").Logger()

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	applyFlagOverrides(cfg, *port, *freqMS, *logLevel, *logToFile, *noAuth, *jwtSecret, *kafkaBrokers, *kafkaTopics, *natsURL, *natsSubjects, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(logging.Config{
		Level:    logging.Level(cfg.LogLevel),
		ToFile:   cfg.LogToFile,
		FilePath: cfg.LogFilePath,
		Service:  "broker",
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting broker")

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build authenticator")
	}

	index := subscription.New()
	mgr := sessionmgr.New(logger)

	pool := ioreactor.NewWorkerPool(runtime.GOMAXPROCS(0)*4, 4096, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	connCfg := acceptor.DefaultConnConfig()

	acc, err := acceptor.Listen(fmt.Sprintf(":%d", cfg.Port), index, mgr, authn, connCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind listener")
	}
	acc.UsePool(pool)
	acc.UseRateLimit(cfg.ConnRateLimitPerSec, cfg.ConnRateLimitBurst, cfg.ConnRateLimitIPPerSec, cfg.ConnRateLimitIPBurst)
	go acc.Serve()
	logger.Info().Str("addr", acc.Addr().String()).Msg("listening")

	mgrCtx, mgrCancel := context.WithCancel(ctx)
	defer mgrCancel()
	go mgr.RunReaper(mgrCtx, time.Duration(cfg.ReapFreqMS)*time.Millisecond)

	guard := platform.NewResourceGuard(time.Duration(cfg.ResourceSampleIntervalS)*time.Second, logger)
	go guard.Run(mgrCtx)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.ServeHTTP(cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics and /healthz")
	}

	publish := func(topic int32, payload []byte) int {
		return session.PublishExternal(index, mgr, pool, topic, payload)
	}

	sources := buildFeedSources(cfg, publish, logger)
	for _, src := range sources {
		if err := src.Start(mgrCtx); err != nil {
			logger.Error().Err(err).Msg("feed bridge failed to start")
		}
	}

	sigSrc := signals.NewOS()
	var consoleSrc signals.Source
	if *console || cfg.Console {
		manual := signals.NewManual()
		consoleSrc = manual
		go runConsole(manual, mgr, logger)
	}

	waitForShutdown(sigSrc, consoleSrc)

	logger.Info().Msg("shutting down")
	acc.Close()
	for _, src := range sources {
		if err := src.Stop(); err != nil {
			logger.Warn().Err(err).Msg("feed bridge stop error")
		}
	}
	mgr.ClearAll(40, 50*time.Millisecond)
	mgrCancel()
	pool.Stop()
	cancel()
	logger.Info().Msg("shutdown complete")
}

func waitForShutdown(sources ...signals.Source) {
	cases := make([]<-chan struct{}, 0, len(sources))
	for _, s := range sources {
		if s == nil {
			continue
		}
		cases = append(cases, s.Wait())
	}
	switch len(cases) {
	case 0:
		select {}
	case 1:
		<-cases[0]
	default:
		done := make(chan struct{})
		for _, c := range cases {
			c := c
			go func() { <-c; select { case done <- struct{}{}: default: } }()
		}
		<-done
	}
}

func applyFlagOverrides(cfg *config.Config, port uint, freqMS, logLevel int, logToFile, noAuth bool, jwtSecret, kafkaBrokers, kafkaTopics, natsURL, natsSubjects, metricsAddr string) {
	if port != 0 {
		cfg.Port = uint16(port)
	}
	if freqMS != 0 {
		cfg.ReapFreqMS = freqMS
	}
	if logLevel >= 0 {
		cfg.LogLevel = logLevel
	}
	if logToFile {
		cfg.LogToFile = true
	}
	if noAuth {
		cfg.NoAuth = true
	}
	if jwtSecret != "" {
		cfg.JWTSecret = jwtSecret
	}
	if kafkaBrokers != "" {
		cfg.KafkaBrokers = kafkaBrokers
	}
	if kafkaTopics != "" {
		cfg.KafkaTopics = kafkaTopics
	}
	if natsURL != "" {
		cfg.NATSURL = natsURL
	}
	if natsSubjects != "" {
		cfg.NATSSubjects = natsSubjects
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	if cfg.NoAuth {
		return auth.NoAuth{}, nil
	}
	return auth.NewJWTAuthenticator(cfg.JWTSecret)
}

func buildFeedSources(cfg *config.Config, publish feed.Publish, logger zerolog.Logger) []feed.Source {
	var sources []feed.Source

	if cfg.KafkaBrokers != "" {
		topicMap, _, err := kafkafeed.ParseTopicMap(cfg.KafkaTopics)
		if err != nil {
			logger.Error().Err(err).Msg("invalid kafka-topics, kafka feed disabled")
		} else {
			brokers := splitCSV(cfg.KafkaBrokers)
			c, err := kafkafeed.New(kafkafeed.Config{Brokers: brokers, TopicMap: topicMap}, publish, logger)
			if err != nil {
				logger.Error().Err(err).Msg("kafka feed disabled")
			} else {
				sources = append(sources, c)
			}
		}
	}

	if cfg.NATSURL != "" {
		subjectMap, err := natsfeed.ParseSubjectMap(cfg.NATSSubjects)
		if err != nil {
			logger.Error().Err(err).Msg("invalid nats-subjects, nats feed disabled")
		} else {
			b, err := natsfeed.New(natsfeed.Config{URL: cfg.NATSURL, SubjectMap: subjectMap}, publish, logger)
			if err != nil {
				logger.Error().Err(err).Msg("nats feed disabled")
			} else {
				sources = append(sources, b)
			}
		}
	}

	return sources
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runConsole implements the spec §6 console command loop: "X" quits,
// "D" dumps session diagnostics, "?" prints help, a bare Enter is a
// no-op. Reads line by line from stdin until EOF or a quit.
func runConsole(trigger *signals.Manual, mgr *sessionmgr.Manager, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
		case "X":
			logger.Info().Msg("console requested shutdown")
			trigger.Trigger()
			return
		case "D":
			fmt.Println(mgr.Diagnostics())
		case "?":
			fmt.Println("commands: X=quit D=dump-sessions ?=help")
		}
	}
}
