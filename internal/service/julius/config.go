package julius

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config holds the engine process and connection settings.
type Config struct {
	// Spawn starts the engine binary. When false the bridge attaches to an
	// engine already listening on Host, ModulePort and AudioPort.
	Spawn  bool
	Binary string
	JConf  string // -C file, required when spawning
	Host   string

	// Zero ports are replaced by free ports when spawning.
	ModulePort int
	AudioPort  int

	// LogDir receives the engine's -record audio. Empty means a temporary
	// directory owned by the bridge.
	LogDir      string
	SampleRate  int
	RejectShort time.Duration
	ExtraArgs   []string
	Charset     string // utf-8, euc-jp or shift_jis

	ConnectRetries int
	RetryDelay     time.Duration
	ReadTimeout    time.Duration
	CommandDelay   time.Duration
	KillGrace      time.Duration

	// InitialGrammars are registered in order right after the handshake.
	InitialGrammars []Grammar
	// RootGrammar, when set, is switched to once the initial grammars are
	// registered so that it is the only active one.
	RootGrammar string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Spawn:          true,
		Binary:         "julius",
		Host:           "127.0.0.1",
		SampleRate:     16000,
		RejectShort:    200 * time.Millisecond,
		Charset:        "utf-8",
		ConnectRetries: 10,
		RetryDelay:     time.Second,
		ReadTimeout:    time.Second,
		CommandDelay:   100 * time.Millisecond,
		KillGrace:      3 * time.Second,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Spawn {
		if c.Binary == "" {
			errs = append(errs, errors.New("julius: binary is required when spawning"))
		}
		if c.JConf == "" {
			errs = append(errs, errors.New("julius: jconf is required when spawning"))
		}
	} else if c.ModulePort <= 0 || c.AudioPort <= 0 {
		errs = append(errs, errors.New("julius: module and audio ports are required when attaching"))
	}
	if c.ConnectRetries < 1 {
		errs = append(errs, fmt.Errorf("julius: connect retries must be at least 1, got %d", c.ConnectRetries))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("julius: read timeout must be positive"))
	}
	if c.RootGrammar != "" && !slices.ContainsFunc(c.InitialGrammars, func(g Grammar) bool { return g.Name == c.RootGrammar }) {
		errs = append(errs, fmt.Errorf("julius: root grammar %q is not an initial grammar", c.RootGrammar))
	}
	if _, err := lookupCharset(c.Charset); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
