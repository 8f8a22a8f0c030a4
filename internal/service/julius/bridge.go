// Package julius bridges the pipeline to a local Julius engine.
//
// The engine runs in module mode: one TCP connection carries control commands
// and XML event documents, a second carries length-prefixed audio (adinnet).
// The bridge owns the engine process, both connections, a background event
// loop and the grammar registry.
package julius

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"

	"speech-recognition-bridge/internal/observability/logging"
	"speech-recognition-bridge/internal/observability/metrics"
)

var (
	// ErrNotConnected is returned when a channel is not (or no longer) open.
	ErrNotConnected = errors.New("julius: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("julius: bridge closed")
)

const (
	readBufferSize = 10240
	writeTimeout   = 5 * time.Second
	handshake      = "INPUTONCHANGE TERMINATE\n"
)

// EventHandler receives control channel events on the event loop goroutine.
type EventHandler func(Event)

// LogAudioHandler receives audio files recorded by the engine.
type LogAudioHandler func(LogAudio)

// Bridge is one engine session.
type Bridge struct {
	cfg     Config
	charset encoding.Encoding
	metrics *metrics.Metrics
	logger  zerolog.Logger

	proc       *process
	logDir     string
	ownsLogDir bool

	ctrlMu   sync.Mutex // serializes every control write, handshake included
	ctrl     net.Conn
	grammars *registry

	audioMu   sync.Mutex
	audio     net.Conn
	audioAddr string

	handlersMu    sync.RWMutex
	nextHandlerID int
	eventHandlers map[int]EventHandler
	logHandlers   map[int]LogAudioHandler

	started   atomic.Bool
	closed    atomic.Bool
	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New validates the configuration and returns an unstarted bridge.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = def.ConnectRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	charset, err := lookupCharset(cfg.Charset)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:           cfg,
		charset:       charset,
		metrics:       metrics.DefaultMetrics,
		logger:        logging.WithComponent("julius"),
		grammars:      newRegistry(),
		eventHandlers: map[int]EventHandler{},
		logHandlers:   map[int]LogAudioHandler{},
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// OnEvent registers a handler for control channel events and returns a
// function that removes it.
func (b *Bridge) OnEvent(h EventHandler) (remove func()) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	id := b.nextHandlerID
	b.nextHandlerID++
	b.eventHandlers[id] = h
	return func() {
		b.handlersMu.Lock()
		delete(b.eventHandlers, id)
		b.handlersMu.Unlock()
	}
}

// OnLogAudio registers a handler for engine log audio and returns a function
// that removes it.
func (b *Bridge) OnLogAudio(h LogAudioHandler) (remove func()) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	id := b.nextHandlerID
	b.nextHandlerID++
	b.logHandlers[id] = h
	return func() {
		b.handlersMu.Lock()
		delete(b.logHandlers, id)
		b.handlersMu.Unlock()
	}
}

// Start spawns the engine (unless attaching), connects the control channel
// then the audio channel, performs the handshake, starts the event loop and
// registers the initial grammars. On failure nothing is left running.
func (b *Bridge) Start(ctx context.Context) (err error) {
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("julius: bridge already started")
	}
	defer func() {
		if err != nil {
			b.teardown()
		}
	}()

	if err := b.prepareLogDir(); err != nil {
		return err
	}

	if b.cfg.Spawn {
		if b.cfg.ModulePort == 0 {
			if b.cfg.ModulePort, err = freePort(b.cfg.Host); err != nil {
				return err
			}
		}
		if b.cfg.AudioPort == 0 {
			if b.cfg.AudioPort, err = freePort(b.cfg.Host); err != nil {
				return err
			}
		}
		if b.proc, err = startProcess(b.cfg, b.logDir, b.logger); err != nil {
			return err
		}
	}

	ctrlAddr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.ModulePort))
	ctrl, err := dialRetry(ctx, ctrlAddr, b.cfg.ConnectRetries, b.cfg.RetryDelay)
	if err != nil {
		return fmt.Errorf("julius: connect control: %w", err)
	}
	b.ctrlMu.Lock()
	b.ctrl = ctrl
	b.ctrlMu.Unlock()

	audioAddr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.AudioPort))
	audioConn, err := dialRetry(ctx, audioAddr, b.cfg.ConnectRetries, b.cfg.RetryDelay)
	if err != nil {
		return fmt.Errorf("julius: connect audio: %w", err)
	}
	b.audioMu.Lock()
	b.audio, b.audioAddr = audioConn, audioAddr
	b.audioMu.Unlock()

	b.ctrlMu.Lock()
	err = b.sendLocked(handshake)
	b.ctrlMu.Unlock()
	if err != nil {
		return fmt.Errorf("julius: handshake: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.connected.Store(true)
	b.metrics.SetEngineConnected(true)
	go b.run(loopCtx, ctrl)

	for _, g := range b.cfg.InitialGrammars {
		if err := b.AddGrammar(g.Name, g.Compiled); err != nil {
			return err
		}
	}
	if b.cfg.RootGrammar != "" {
		if err := b.SwitchGrammar(b.cfg.RootGrammar); err != nil {
			return err
		}
	}

	b.logger.Info().
		Str("control", ctrlAddr).
		Str("audio", audioAddr).
		Str("logDir", b.logDir).
		Int("grammars", len(b.cfg.InitialGrammars)).
		Str("rootGrammar", b.cfg.RootGrammar).
		Msg("Engine session started")
	return nil
}

// Connected reports whether the control channel is open.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Write sends one audio packet framed with a 4-byte little-endian length.
// After a transport error the channel is reconnected once and the packet
// resent; if that fails too the packet is dropped. An empty packet marks the
// end of a segment.
func (b *Bridge) Write(data []byte) error {
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}
	if b.audioAddr == "" {
		return ErrNotConnected
	}

	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if b.audio != nil {
		err := b.writeAudioLocked(frame)
		if err == nil {
			return nil
		}
		b.logger.Warn().Err(err).Msg("Audio write failed, reconnecting")
		_ = b.audio.Close()
		b.audio = nil
	}

	b.metrics.RecordEngineReconnect()
	conn, err := net.DialTimeout("tcp", b.audioAddr, b.cfg.RetryDelay)
	if err != nil {
		b.metrics.RecordEngineDropped()
		return fmt.Errorf("%w: audio reconnect: %v", ErrNotConnected, err)
	}
	b.audio = conn
	if err := b.writeAudioLocked(frame); err != nil {
		_ = b.audio.Close()
		b.audio = nil
		b.metrics.RecordEngineDropped()
		return fmt.Errorf("%w: audio write: %v", ErrNotConnected, err)
	}
	return nil
}

// EndSegment tells the engine the current segment is complete.
func (b *Bridge) EndSegment() error {
	return b.Write(nil)
}

func (b *Bridge) writeAudioLocked(frame []byte) error {
	_ = b.audio.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := b.audio.Write(frame); err != nil {
		return err
	}
	b.metrics.RecordEngineWrite(len(frame) - 4)
	return nil
}

// Close stops the event loop, closes both channels, terminates the engine
// and clears the grammar registry. It is safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.teardown()
		b.logger.Info().Msg("Engine session closed")
	})
	return err
}

func (b *Bridge) teardown() error {
	if b.cancel != nil {
		b.cancel()
	}

	b.ctrlMu.Lock()
	if b.ctrl != nil {
		_ = b.ctrl.Close()
	}
	b.grammars.clear()
	b.ctrlMu.Unlock()

	b.audioMu.Lock()
	if b.audio != nil {
		_ = b.audio.Close()
		b.audio = nil
	}
	b.audioMu.Unlock()

	if b.cancel != nil {
		<-b.done
	}

	var err error
	if b.proc != nil {
		if perr := b.proc.stop(b.cfg.KillGrace); perr != nil {
			var exitErr interface{ ExitCode() int }
			if !errors.As(perr, &exitErr) {
				err = fmt.Errorf("julius: stop engine: %w", perr)
			}
		}
	}
	if b.ownsLogDir {
		_ = os.RemoveAll(b.logDir)
	}

	b.connected.Store(false)
	b.metrics.SetEngineConnected(false)
	return err
}

func (b *Bridge) prepareLogDir() error {
	if b.cfg.LogDir != "" {
		if err := os.MkdirAll(b.cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("julius: create log dir: %w", err)
		}
		b.logDir = b.cfg.LogDir
		return nil
	}
	dir, err := os.MkdirTemp("", "julius-log-")
	if err != nil {
		return fmt.Errorf("julius: create log dir: %w", err)
	}
	b.logDir, b.ownsLogDir = dir, true
	return nil
}

// sendLocked writes one command on the control channel. ctrlMu must be held.
func (b *Bridge) sendLocked(cmd string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.ctrl == nil {
		return ErrNotConnected
	}
	_ = b.ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := b.ctrl.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("julius: control write: %w", err)
	}
	return nil
}

// run is the event loop: it polls the log directory, reads the control
// channel with a deadline and dispatches every complete document. It exits
// when ctx is cancelled or the channel fails.
func (b *Bridge) run(ctx context.Context, ctrl net.Conn) {
	defer close(b.done)

	var (
		sp  splitter
		buf = make([]byte, readBufferSize)
		dec = b.charset.NewDecoder()
	)
	for ctx.Err() == nil {
		b.pollLogAudio()

		_ = ctrl.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		n, err := ctrl.Read(buf)
		if n > 0 {
			docs, splitErr := sp.feed(buf[:n])
			if splitErr != nil {
				b.logger.Warn().Err(splitErr).Msg("Control stream overflow")
			}
			for _, raw := range docs {
				b.handleDocument(dec, raw)
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				b.logger.Error().Err(err).Msg("Control channel closed, leaving event loop")
			}
			break
		}
	}

	b.connected.Store(false)
	b.metrics.SetEngineConnected(false)
}

func (b *Bridge) handleDocument(dec *encoding.Decoder, raw []byte) {
	text, err := dec.Bytes(raw)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Cannot decode control document")
		return
	}
	ev, err := ParseDocument(string(text))
	if err != nil {
		b.logger.Warn().Err(err).Str("document", truncate(string(text), 200)).Msg("Discarding control document")
		return
	}
	b.metrics.RecordEngineEvent(string(ev.Type))
	b.logger.Debug().Str("type", string(ev.Type)).Str("status", ev.Status).Msg("Engine event")

	b.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(b.eventHandlers))
	for _, h := range b.eventHandlers {
		handlers = append(handlers, h)
	}
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (b *Bridge) pollLogAudio() {
	files, errs := collectLogAudio(b.logDir, time.Now())
	for _, err := range errs {
		b.logger.Warn().Err(err).Msg("Log audio collection failed")
	}
	if len(files) == 0 {
		return
	}

	b.handlersMu.RLock()
	handlers := make([]LogAudioHandler, 0, len(b.logHandlers))
	for _, h := range b.logHandlers {
		handlers = append(handlers, h)
	}
	b.handlersMu.RUnlock()

	for _, f := range files {
		b.metrics.RecordLogAudio()
		for _, h := range handlers {
			h(f)
		}
	}
}

// dialRetry connects to addr, retrying a bounded number of times.
func dialRetry(ctx context.Context, addr string, retries int, delay time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%s unreachable after %d attempts: %w", addr, retries, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
