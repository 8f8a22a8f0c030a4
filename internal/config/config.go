// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML file.
//
// Precedence, lowest first: built-in defaults, YAML file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Providers lists the recognition backends the service can run.
var Providers = []string{"mock", "cloud", "recaius", "google", "module"}

// Configuration is the complete service configuration.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Backend       BackendConfig       `yaml:"backend"`
	Julius        JuliusConfig        `yaml:"julius"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal string `yaml:"principal"`
	GRPCPort  string `yaml:"grpc_port"`
	HTTPPort  string `yaml:"http_port"`
	Env       string `yaml:"env"`
}

// PipelineConfig holds the audio format and segmentation settings.
type PipelineConfig struct {
	SampleRateHz       int           `yaml:"sample_rate_hz"`
	MinSilence         time.Duration `yaml:"min_silence"`
	SilenceThresholdDB float64       `yaml:"silence_threshold_db"`
	MinBufferBytes     int           `yaml:"min_buffer_bytes"`
	FrameDuration      time.Duration `yaml:"frame_duration"`
	QueueSize          int           `yaml:"queue_size"`
	MaxUtterance       time.Duration `yaml:"max_utterance"`
	RecognizeTimeout   time.Duration `yaml:"recognize_timeout"`
}

// BackendConfig selects the recognition backend and holds per-provider
// settings.
type BackendConfig struct {
	Provider     string        `yaml:"provider"`
	LanguageCode string        `yaml:"language_code"`
	Timeout      time.Duration `yaml:"timeout"`
	Breaker      BreakerConfig `yaml:"breaker"`
	Cloud        CloudConfig   `yaml:"cloud"`
	Recaius      RecaiusConfig `yaml:"recaius"`
	Google       GoogleConfig  `yaml:"google"`
	Module       ModuleConfig  `yaml:"module"`
}

type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type CloudConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type RecaiusConfig struct {
	AuthURL   string `yaml:"auth_url"`
	ASRURL    string `yaml:"asr_url"`
	ServiceID string `yaml:"service_id"`
	Password  string `yaml:"password"`
	ModelID   int    `yaml:"model_id"`
}

type GoogleConfig struct {
	MaxAlternatives int `yaml:"max_alternatives"`
}

type ModuleConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	ResultTimeout time.Duration `yaml:"result_timeout"`
}

// GrammarFile names a compiled grammar loaded into the engine at start.
type GrammarFile struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

// JuliusConfig configures the local engine session.
type JuliusConfig struct {
	Spawn          bool          `yaml:"spawn"`
	Binary         string        `yaml:"binary"`
	JConf          string        `yaml:"jconf"`
	Host           string        `yaml:"host"`
	ModulePort     int           `yaml:"module_port"`
	AudioPort      int           `yaml:"audio_port"`
	LogDir         string        `yaml:"log_dir"`
	RejectShort    time.Duration `yaml:"reject_short"`
	ExtraArgs      []string      `yaml:"extra_args"`
	Charset        string        `yaml:"charset"`
	ConnectRetries int           `yaml:"connect_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Grammars       []GrammarFile `yaml:"grammars"`
	RootGrammar    string        `yaml:"root_grammar"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicResults string   `yaml:"topic_results"`
	TopicStatus  string   `yaml:"topic_status"`
	Principal    string   `yaml:"principal"`
}

// ArchiveConfig selects where utterance and engine log audio is kept.
// Kind is none, local or s3.
type ArchiveConfig struct {
	Kind            string `yaml:"kind"`
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Utterances      bool   `yaml:"utterances"`
	LogAudio        bool   `yaml:"log_audio"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal: "svc-speech-bridge",
			GRPCPort:  "50051",
			HTTPPort:  "8080",
		},
		Pipeline: PipelineConfig{
			SampleRateHz:       16000,
			MinSilence:         200 * time.Millisecond,
			SilenceThresholdDB: -20,
			MinBufferBytes:     8000,
			FrameDuration:      10 * time.Millisecond,
			QueueSize:          8,
			MaxUtterance:       30 * time.Second,
			RecognizeTimeout:   30 * time.Second,
		},
		Backend: BackendConfig{
			Provider:     "mock",
			LanguageCode: "ja-JP",
			Timeout:      15 * time.Second,
			Breaker:      BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second},
			Cloud:        CloudConfig{Endpoint: "https://www.google.com/speech-api/v2/recognize"},
			Recaius: RecaiusConfig{
				AuthURL: "https://api.recaius.jp/auth/v2/",
				ASRURL:  "https://api.recaius.jp/asr/v2/",
				ModelID: 1,
			},
			Google: GoogleConfig{MaxAlternatives: 5},
			Module: ModuleConfig{ChunkSize: 3200, ResultTimeout: 10 * time.Second},
		},
		Julius: JuliusConfig{
			Spawn:          true,
			Binary:         "julius",
			Host:           "127.0.0.1",
			RejectShort:    200 * time.Millisecond,
			Charset:        "utf-8",
			ConnectRetries: 10,
			RetryDelay:     time.Second,
		},
		Kafka: KafkaConfig{
			TopicResults: "speech.recognition.results",
			TopicStatus:  "speech.engine.status",
		},
		Archive: ArchiveConfig{
			Kind:       "none",
			Dir:        "archive",
			Utterances: true,
			LogAudio:   true,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			LogOutput: "stdout",
		},
	}
}

// Load returns defaults overridden by the environment. A .env file in the
// working directory is loaded first when present.
func Load() *Configuration {
	_ = godotenv.Load()
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile overlays the YAML file at path on the defaults, applies the
// environment and validates the result.
func LoadFile(path string) (*Configuration, error) {
	_ = godotenv.Load()
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Configuration) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)
	c.Service.HTTPPort = envOrDefault("HTTP_PORT", c.Service.HTTPPort)
	c.Service.Env = envOrDefault("ENV", c.Service.Env)

	p := &c.Pipeline
	p.SampleRateHz = envOrDefaultInt("AUDIO_SAMPLE_RATE_HZ", p.SampleRateHz)
	p.MinSilence = envOrDefaultDuration("VAD_MIN_SILENCE", p.MinSilence)
	p.SilenceThresholdDB = envOrDefaultFloat("VAD_SILENCE_THRESHOLD_DB", p.SilenceThresholdDB)
	p.MinBufferBytes = envOrDefaultInt("VAD_MIN_BUFFER_BYTES", p.MinBufferBytes)
	p.FrameDuration = envOrDefaultDuration("VAD_FRAME_DURATION", p.FrameDuration)
	p.QueueSize = envOrDefaultInt("PIPELINE_QUEUE_SIZE", p.QueueSize)
	p.MaxUtterance = envOrDefaultDuration("PIPELINE_MAX_UTTERANCE", p.MaxUtterance)
	p.RecognizeTimeout = envOrDefaultDuration("PIPELINE_RECOGNIZE_TIMEOUT", p.RecognizeTimeout)

	b := &c.Backend
	b.Provider = envOrDefault("STT_PROVIDER", b.Provider)
	b.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", b.LanguageCode)
	b.Timeout = envOrDefaultDuration("STT_TIMEOUT", b.Timeout)
	b.Breaker.MaxFailures = envOrDefaultInt("STT_BREAKER_MAX_FAILURES", b.Breaker.MaxFailures)
	b.Breaker.ResetTimeout = envOrDefaultDuration("STT_BREAKER_RESET_TIMEOUT", b.Breaker.ResetTimeout)
	b.Cloud.Endpoint = envOrDefault("CLOUD_STT_ENDPOINT", b.Cloud.Endpoint)
	b.Cloud.APIKey = envOrDefault("CLOUD_STT_API_KEY", b.Cloud.APIKey)
	b.Recaius.AuthURL = envOrDefault("RECAIUS_AUTH_URL", b.Recaius.AuthURL)
	b.Recaius.ASRURL = envOrDefault("RECAIUS_ASR_URL", b.Recaius.ASRURL)
	b.Recaius.ServiceID = envOrDefault("RECAIUS_SERVICE_ID", b.Recaius.ServiceID)
	b.Recaius.Password = envOrDefault("RECAIUS_PASSWORD", b.Recaius.Password)
	b.Recaius.ModelID = envOrDefaultInt("RECAIUS_MODEL_ID", b.Recaius.ModelID)
	b.Google.MaxAlternatives = envOrDefaultInt("GOOGLE_STT_MAX_ALTERNATIVES", b.Google.MaxAlternatives)
	b.Module.ChunkSize = envOrDefaultInt("MODULE_CHUNK_SIZE", b.Module.ChunkSize)
	b.Module.ResultTimeout = envOrDefaultDuration("MODULE_RESULT_TIMEOUT", b.Module.ResultTimeout)

	j := &c.Julius
	j.Spawn = envOrDefaultBool("JULIUS_SPAWN", j.Spawn)
	j.Binary = envOrDefault("JULIUS_BINARY", j.Binary)
	j.JConf = envOrDefault("JULIUS_JCONF", j.JConf)
	j.Host = envOrDefault("JULIUS_HOST", j.Host)
	j.ModulePort = envOrDefaultInt("JULIUS_MODULE_PORT", j.ModulePort)
	j.AudioPort = envOrDefaultInt("JULIUS_AUDIO_PORT", j.AudioPort)
	j.LogDir = envOrDefault("JULIUS_LOG_DIR", j.LogDir)
	j.RejectShort = envOrDefaultDuration("JULIUS_REJECT_SHORT", j.RejectShort)
	j.Charset = envOrDefault("JULIUS_CHARSET", j.Charset)
	j.RootGrammar = envOrDefault("JULIUS_ROOT_GRAMMAR", j.RootGrammar)
	if v := os.Getenv("JULIUS_EXTRA_ARGS"); v != "" {
		j.ExtraArgs = strings.Fields(v)
	}

	k := &c.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		k.Brokers = splitList(v)
	}
	k.TopicResults = envOrDefault("KAFKA_TOPIC_RESULTS", k.TopicResults)
	k.TopicStatus = envOrDefault("KAFKA_TOPIC_STATUS", k.TopicStatus)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = c.Service.Principal
	}

	a := &c.Archive
	a.Kind = envOrDefault("ARCHIVE_KIND", a.Kind)
	a.Dir = envOrDefault("ARCHIVE_DIR", a.Dir)
	a.Bucket = envOrDefault("ARCHIVE_S3_BUCKET", a.Bucket)
	a.Prefix = envOrDefault("ARCHIVE_S3_PREFIX", a.Prefix)
	a.Region = envOrDefault("ARCHIVE_S3_REGION", a.Region)
	a.Endpoint = envOrDefault("ARCHIVE_S3_ENDPOINT", a.Endpoint)
	a.AccessKeyID = envOrDefault("AWS_ACCESS_KEY_ID", a.AccessKeyID)
	a.SecretAccessKey = envOrDefault("AWS_SECRET_ACCESS_KEY", a.SecretAccessKey)
	a.UsePathStyle = envOrDefaultBool("ARCHIVE_S3_PATH_STYLE", a.UsePathStyle)
	a.Utterances = envOrDefaultBool("ARCHIVE_UTTERANCES", a.Utterances)
	a.LogAudio = envOrDefaultBool("ARCHIVE_LOG_AUDIO", a.LogAudio)

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.LogOutput = envOrDefault("LOG_OUTPUT", c.Observability.LogOutput)
}

// Validate checks that the configuration is coherent. It returns all
// failures joined.
func (c *Configuration) Validate() error {
	var errs []error

	if !slices.Contains(Providers, c.Backend.Provider) {
		errs = append(errs, fmt.Errorf("backend.provider %q is invalid; valid values: %s",
			c.Backend.Provider, strings.Join(Providers, ", ")))
	}

	p := c.Pipeline
	if p.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate_hz must be positive, got %d", p.SampleRateHz))
	}
	if p.MinSilence <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_silence must be positive, got %s", p.MinSilence))
	}
	if p.SilenceThresholdDB > 0 {
		errs = append(errs, fmt.Errorf("pipeline.silence_threshold_db must be <= 0, got %g", p.SilenceThresholdDB))
	}
	if p.MinBufferBytes <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_buffer_bytes must be positive, got %d", p.MinBufferBytes))
	}
	if p.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size must be positive, got %d", p.QueueSize))
	}
	if p.MaxUtterance < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_utterance must not be negative, got %s", p.MaxUtterance))
	}
	if p.RecognizeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.recognize_timeout must be positive, got %s", p.RecognizeTimeout))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout))
	}

	switch c.Backend.Provider {
	case "recaius":
		if c.Backend.Recaius.ServiceID == "" || c.Backend.Recaius.Password == "" {
			errs = append(errs, errors.New("backend.recaius.service_id and password are required"))
		}
	case "module":
		if c.Backend.Module.ResultTimeout <= 0 {
			errs = append(errs, fmt.Errorf("backend.module.result_timeout must be positive, got %s", c.Backend.Module.ResultTimeout))
		}
		j := c.Julius
		if j.Spawn && j.JConf == "" {
			errs = append(errs, errors.New("julius.jconf is required when spawning the engine"))
		}
		if !j.Spawn && (j.ModulePort <= 0 || j.AudioPort <= 0) {
			errs = append(errs, errors.New("julius.module_port and audio_port are required when attaching"))
		}
		for i, g := range j.Grammars {
			if g.Name == "" || g.File == "" {
				errs = append(errs, fmt.Errorf("julius.grammars[%d] needs name and file", i))
			}
		}
		if j.RootGrammar != "" && !slices.ContainsFunc(j.Grammars, func(g GrammarFile) bool { return g.Name == j.RootGrammar }) {
			errs = append(errs, fmt.Errorf("julius.root_grammar %q is not one of julius.grammars", j.RootGrammar))
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}

	switch c.Archive.Kind {
	case "none", "":
	case "local":
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for a local archive"))
		}
	case "s3":
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for an s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.kind %q is invalid; valid values: none, local, s3", c.Archive.Kind))
	}

	switch c.Observability.LogOutput {
	case "", "stdout", "stderr":
	default:
		errs = append(errs, fmt.Errorf("observability.log_output %q is invalid; valid values: stdout, stderr", c.Observability.LogOutput))
	}

	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
