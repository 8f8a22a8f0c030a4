package julius

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/encoding"
)

var (
	// ErrUnknownGrammar is returned for names that were never added.
	ErrUnknownGrammar = errors.New("julius: unknown grammar")
	// ErrDuplicateGrammar is returned when a name is added twice.
	ErrDuplicateGrammar = errors.New("julius: grammar already registered")
)

// Grammar is a compiled grammar as accepted by the engine's module protocol.
type Grammar struct {
	Name     string `yaml:"name" json:"name"`
	Compiled string `yaml:"compiled" json:"compiled"`
}

// GrammarInfo describes one registered grammar.
type GrammarInfo struct {
	Name   string `json:"name"`
	ID     int    `json:"id"`
	Active bool   `json:"active"`
}

// registry tracks registered grammars in registration order and the
// active set. Guarded by the bridge's control lock.
type registry struct {
	ids    map[string]int
	order  []string
	active map[string]bool
}

func newRegistry() *registry {
	return &registry{ids: map[string]int{}, active: map[string]bool{}}
}

func (r *registry) add(name string) int {
	id := len(r.order)
	r.ids[name] = id
	r.order = append(r.order, name)
	r.active[name] = true
	return id
}

func (r *registry) known(name string) bool {
	_, ok := r.ids[name]
	return ok
}

func (r *registry) list() []GrammarInfo {
	out := make([]GrammarInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, GrammarInfo{Name: name, ID: r.ids[name], Active: r.active[name]})
	}
	return out
}

func (r *registry) activeNames() []string {
	var out []string
	for _, name := range r.order {
		if r.active[name] {
			out = append(out, name)
		}
	}
	return out
}

func (r *registry) clear() {
	r.ids = map[string]int{}
	r.order = nil
	r.active = map[string]bool{}
}

// AddGrammar sends a compiled grammar to the engine and marks it active.
// The first grammar of a session replaces the engine's default grammar,
// later ones are added next to it.
func (b *Bridge) AddGrammar(name, compiled string) error {
	if name == "" {
		return errors.New("julius: grammar name is required")
	}
	data, err := encoding.ReplaceUnsupported(b.charset.NewEncoder()).String(compiled)
	if err != nil {
		return fmt.Errorf("julius: encode grammar %q: %w", name, err)
	}

	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()

	if b.grammars.known(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateGrammar, name)
	}
	command := "ADDGRAM"
	if len(b.grammars.order) == 0 {
		command = "CHANGEGRAM"
	}
	if err := b.sendLocked(command + " " + name + "\n" + data); err != nil {
		return err
	}
	id := b.grammars.add(name)
	b.metrics.RecordGrammarCommand(command)
	b.logger.Info().Str("grammar", name).Int("id", id).Str("command", command).Msg("Grammar registered")
	b.pauseLocked()
	return nil
}

// Activate enables a registered grammar.
func (b *Bridge) Activate(name string) error {
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()
	return b.activateLocked(name)
}

// Deactivate disables a registered grammar.
func (b *Bridge) Deactivate(name string) error {
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()
	return b.deactivateLocked(name)
}

// SwitchGrammar activates name and deactivates every other active grammar,
// leaving exactly one grammar active. An unknown name changes nothing.
func (b *Bridge) SwitchGrammar(name string) error {
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()

	if err := b.activateLocked(name); err != nil {
		return err
	}
	for _, other := range b.grammars.activeNames() {
		if other == name {
			continue
		}
		if err := b.deactivateLocked(other); err != nil {
			return err
		}
	}
	return nil
}

// Sync asks the engine to apply pending grammar changes before the next
// utterance.
func (b *Bridge) Sync() error {
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()
	if err := b.sendLocked("SYNCGRAM\n"); err != nil {
		return err
	}
	b.metrics.RecordGrammarCommand("SYNCGRAM")
	return nil
}

// Grammars returns the registered grammars in registration order.
func (b *Bridge) Grammars() []GrammarInfo {
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()
	return b.grammars.list()
}

// ActiveGrammars returns the names of the active grammars, sorted.
func (b *Bridge) ActiveGrammars() []string {
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()
	names := b.grammars.activeNames()
	sort.Strings(names)
	return names
}

func (b *Bridge) activateLocked(name string) error {
	if !b.grammars.known(name) {
		b.logger.Error().Str("grammar", name).Msg("Cannot activate unknown grammar")
		return fmt.Errorf("%w: %s", ErrUnknownGrammar, name)
	}
	if err := b.sendLocked("ACTIVATEGRAM\n" + name + "\n"); err != nil {
		return err
	}
	b.grammars.active[name] = true
	b.metrics.RecordGrammarCommand("ACTIVATEGRAM")
	b.pauseLocked()
	return nil
}

func (b *Bridge) deactivateLocked(name string) error {
	if !b.grammars.known(name) {
		b.logger.Error().Str("grammar", name).Msg("Cannot deactivate unknown grammar")
		return fmt.Errorf("%w: %s", ErrUnknownGrammar, name)
	}
	if err := b.sendLocked("DEACTIVATEGRAM\n" + name + "\n"); err != nil {
		return err
	}
	delete(b.grammars.active, name)
	b.metrics.RecordGrammarCommand("DEACTIVATEGRAM")
	b.pauseLocked()
	return nil
}

// pauseLocked gives the engine time to apply a command. The control lock is
// held so the next command waits too.
func (b *Bridge) pauseLocked() {
	if b.cfg.CommandDelay > 0 {
		time.Sleep(b.cfg.CommandDelay)
	}
}
