// Package app wires the configured backend, engine bridge, archive and
// publisher together and hands out recognition pipelines.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speech-recognition-bridge/internal/archive"
	"speech-recognition-bridge/internal/config"
	"speech-recognition-bridge/internal/events"
	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/logging"
	"speech-recognition-bridge/internal/observability/metrics"
	"speech-recognition-bridge/internal/resilience"
	"speech-recognition-bridge/internal/service/audio"
	"speech-recognition-bridge/internal/service/julius"
	"speech-recognition-bridge/internal/service/pipeline"
	"speech-recognition-bridge/internal/service/stt"
	"speech-recognition-bridge/internal/service/stt/cloud"
	"speech-recognition-bridge/internal/service/stt/google"
	"speech-recognition-bridge/internal/service/stt/mock"
	"speech-recognition-bridge/internal/service/stt/module"
	"speech-recognition-bridge/internal/service/stt/recaius"
	"speech-recognition-bridge/internal/service/vad"
)

// ErrNoEngine is returned by grammar operations when the local engine is
// not the configured backend.
var ErrNoEngine = errors.New("app: no local engine configured")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Publisher *events.Publisher
	Archive   *archive.Archive
	Bridge    *julius.Bridge
	Backend   stt.Backend

	metrics *metrics.Metrics
	ready   atomic.Bool
	unhooks []func()
}

// New constructs an Application and configures logging.
func New(cfg *config.Configuration) *Application {
	a := &Application{
		Cfg:     cfg,
		metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	a.Logger.Info().
		Str("method", "New").
		Str("backend", cfg.Backend.Provider).
		Msg("Speech recognition bridge application created")
	return a
}

func (a *Application) setupLogger() {
	format := a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		format = "console"
	}
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     format,
		Output:     a.Cfg.Observability.LogOutput,
		TimeFormat: time.RFC3339,
	})

	a.Logger = logging.Logger().With().
		Str("service", "speech-recognition-bridge").
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start builds the publisher, archive and backend. For the local engine it
// starts the bridge and loads the configured grammars. Nothing is left
// running when Start fails.
func (a *Application) Start(ctx context.Context) (err error) {
	log := a.Logger.With().Str("method", "Start").Logger()
	a.StartupTime = time.Now().UTC()

	defer func() {
		if err != nil {
			a.Shutdown()
		}
	}()

	a.Publisher = events.New(&events.Config{
		Enabled:      a.Cfg.Kafka.Enabled,
		Brokers:      a.Cfg.Kafka.Brokers,
		TopicResults: a.Cfg.Kafka.TopicResults,
		TopicStatus:  a.Cfg.Kafka.TopicStatus,
		Principal:    a.Cfg.Kafka.Principal,
	})

	if a.Archive, err = newArchive(a.Cfg.Archive); err != nil {
		return err
	}
	backend, err := a.newBackend(ctx)
	if err != nil {
		return err
	}
	a.Backend = backend

	a.ready.Store(true)
	log.Info().
		Time("startupTime", a.StartupTime).
		Str("backend", a.Backend.Name()).
		Bool("archive", a.Archive != nil).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("Speech recognition bridge starting")
	return nil
}

// Ready reports whether the application can accept audio.
func (a *Application) Ready() bool {
	if !a.ready.Load() {
		return false
	}
	if a.Bridge != nil {
		return a.Bridge.Connected()
	}
	return true
}

// Format is the PCM format every pipeline expects.
func (a *Application) Format() audio.Format {
	f := audio.DefaultFormat()
	f.SampleRate = a.Cfg.Pipeline.SampleRateHz
	return f
}

// PipelineConfig maps the service configuration to one session's settings.
func (a *Application) PipelineConfig(sessionID string) pipeline.Config {
	p := a.Cfg.Pipeline
	f := a.Format()
	return pipeline.Config{
		SessionID: sessionID,
		Format:    f,
		VAD: vad.Config{
			MinSilence:         p.MinSilence,
			SilenceThresholdDB: p.SilenceThresholdDB,
			MinBufferBytes:     p.MinBufferBytes,
			FrameDuration:      p.FrameDuration,
		},
		QueueSize:         p.QueueSize,
		MaxUtteranceBytes: f.BytesFor(p.MaxUtterance),
		RecognizeTimeout:  p.RecognizeTimeout,
	}
}

// NewPipeline starts a session. Results go to the publisher first, then to
// the given sinks in order.
func (a *Application) NewPipeline(sessionID string, sinks ...pipeline.Sink) (*pipeline.Pipeline, error) {
	if a.Backend == nil {
		return nil, errors.New("app: not started")
	}

	opts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithSink(a.publishResult),
	}
	for _, s := range sinks {
		opts = append(opts, pipeline.WithSink(s))
	}
	if a.Archive != nil && a.Cfg.Archive.Utterances {
		opts = append(opts, pipeline.WithArchive(a.Archive))
	}
	return pipeline.New(a.PipelineConfig(sessionID), a.Backend, opts...)
}

func (a *Application) publishResult(r models.RecognitionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Publisher.PublishResult(ctx, r); err != nil {
		a.Logger.Warn().Err(err).Str("utteranceId", r.UtteranceID).Msg("Failed to publish result")
	}
}

// AddGrammar registers a compiled grammar with the engine. The engine
// applies it before the next utterance.
func (a *Application) AddGrammar(name, compiled string) error {
	if a.Bridge == nil {
		return ErrNoEngine
	}
	if err := a.Bridge.AddGrammar(name, compiled); err != nil {
		return err
	}
	return a.Bridge.Sync()
}

// SwitchGrammar leaves name as the only active grammar, effective from the
// next utterance.
func (a *Application) SwitchGrammar(name string) error {
	if a.Bridge == nil {
		return ErrNoEngine
	}
	if err := a.Bridge.SwitchGrammar(name); err != nil {
		return err
	}
	return a.Bridge.Sync()
}

// Grammars lists the registered grammars.
func (a *Application) Grammars() ([]julius.GrammarInfo, error) {
	if a.Bridge == nil {
		return nil, ErrNoEngine
	}
	return a.Bridge.Grammars(), nil
}

// Shutdown releases the engine, the backend and the publisher.
func (a *Application) Shutdown() {
	log := a.Logger.With().Str("method", "Shutdown").Logger()
	log.Info().Msg("Speech recognition bridge shutting down")
	a.ready.Store(false)

	for _, unhook := range a.unhooks {
		unhook()
	}
	a.unhooks = nil

	if c, ok := a.Backend.(stt.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing backend")
		}
	}
	if a.Bridge != nil {
		if err := a.Bridge.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing engine bridge")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing publisher")
		}
	}
}

func (a *Application) newBreaker(name string) *resilience.Breaker {
	br := resilience.NewBreaker(resilience.Config{
		Name:         name,
		MaxFailures:  a.Cfg.Backend.Breaker.MaxFailures,
		ResetTimeout: a.Cfg.Backend.Breaker.ResetTimeout,
	})
	br.OnStateChange(func(name string, from, to resilience.State) {
		a.metrics.RecordBreakerState(name, to.String(), float64(to))
		a.Logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
	return br
}

func (a *Application) newBackend(ctx context.Context) (stt.Backend, error) {
	b := a.Cfg.Backend
	switch b.Provider {
	case "mock":
		return mock.New(), nil

	case "cloud":
		cfg := cloud.DefaultConfig()
		cfg.Endpoint = b.Cloud.Endpoint
		cfg.APIKey = b.Cloud.APIKey
		cfg.Language = b.LanguageCode
		cfg.Timeout = b.Timeout
		return cloud.New(cfg, cloud.WithBreaker(a.newBreaker("cloud")))

	case "recaius":
		cfg := recaius.DefaultConfig()
		cfg.AuthURL = b.Recaius.AuthURL
		cfg.ASRURL = b.Recaius.ASRURL
		cfg.ServiceID = b.Recaius.ServiceID
		cfg.Password = b.Recaius.Password
		cfg.ModelID = b.Recaius.ModelID
		cfg.Timeout = b.Timeout
		return recaius.New(cfg, recaius.WithBreaker(a.newBreaker("recaius")))

	case "google":
		cfg := google.DefaultConfig()
		cfg.LanguageCode = b.LanguageCode
		cfg.SampleRateHz = int32(a.Cfg.Pipeline.SampleRateHz)
		cfg.MaxAlternatives = int32(b.Google.MaxAlternatives)
		cfg.Timeout = b.Timeout
		return google.New(ctx, cfg, google.WithBreaker(a.newBreaker("google")))

	case "module":
		if err := a.startBridge(ctx); err != nil {
			return nil, err
		}
		return module.New(a.Bridge, module.Config{
			ChunkSize:     b.Module.ChunkSize,
			ResultTimeout: b.Module.ResultTimeout,
		}), nil
	}
	return nil, fmt.Errorf("app: unknown backend %q", b.Provider)
}

func (a *Application) startBridge(ctx context.Context) error {
	j := a.Cfg.Julius
	cfg := julius.DefaultConfig()
	cfg.Spawn = j.Spawn
	cfg.Binary = j.Binary
	cfg.JConf = j.JConf
	cfg.Host = j.Host
	cfg.ModulePort = j.ModulePort
	cfg.AudioPort = j.AudioPort
	cfg.LogDir = j.LogDir
	cfg.SampleRate = a.Cfg.Pipeline.SampleRateHz
	cfg.RejectShort = j.RejectShort
	cfg.ExtraArgs = j.ExtraArgs
	cfg.Charset = j.Charset
	cfg.ConnectRetries = j.ConnectRetries
	cfg.RetryDelay = j.RetryDelay

	for _, g := range j.Grammars {
		data, err := os.ReadFile(g.File)
		if err != nil {
			return fmt.Errorf("app: read grammar %s: %w", g.Name, err)
		}
		cfg.InitialGrammars = append(cfg.InitialGrammars, julius.Grammar{Name: g.Name, Compiled: string(data)})
	}
	cfg.RootGrammar = j.RootGrammar

	br, err := julius.New(cfg, julius.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.unhooks = append(a.unhooks,
		br.OnEvent(a.publishEngineEvent),
		br.OnLogAudio(a.handleLogAudio),
	)
	if err := br.Start(ctx); err != nil {
		for _, unhook := range a.unhooks {
			unhook()
		}
		a.unhooks = nil
		return err
	}
	a.Bridge = br
	return nil
}

// publishEngineEvent forwards status changes and rejections to the status
// topic. It runs on the bridge's event loop.
func (a *Application) publishEngineEvent(ev julius.Event) {
	var st models.EngineStatus
	switch ev.Type {
	case julius.EventStatus:
		st = models.EngineStatus{Status: ev.Status}
	case julius.EventRejected:
		st = models.EngineStatus{Status: string(ev.Type), Detail: ev.Reason}
	case julius.EventRecogFail:
		st = models.EngineStatus{Status: string(ev.Type)}
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Publisher.PublishStatus(ctx, st); err != nil {
		a.Logger.Warn().Err(err).Str("status", st.Status).Msg("Failed to publish engine status")
	}
}

// handleLogAudio archives an engine recording and announces it.
func (a *Application) handleLogAudio(la julius.LogAudio) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := models.EngineStatus{Status: "LOGAUDIO", Detail: la.Name}
	if a.Archive != nil && a.Cfg.Archive.LogAudio {
		path, err := a.Archive.SaveLogAudio(ctx, la.Name, la.Audio, la.Format, la.CreatedAt)
		if err != nil {
			a.Logger.Warn().Err(err).Str("file", la.Name).Msg("Failed to archive engine log audio")
		} else {
			st.Detail = path
		}
	}
	if err := a.Publisher.PublishStatus(ctx, st); err != nil {
		a.Logger.Warn().Err(err).Str("file", la.Name).Msg("Failed to publish log audio status")
	}
}

func newArchive(cfg config.ArchiveConfig) (*archive.Archive, error) {
	switch cfg.Kind {
	case "local":
		store, err := archive.NewLocal(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("app: archive: %w", err)
		}
		return archive.New(store), nil
	case "s3":
		client := archive.NewS3Client(archive.S3Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
		})
		return archive.New(archive.NewS3(client, cfg.Bucket, cfg.Prefix)), nil
	}
	return nil, nil
}
