// Package configfile serves a typed configuration object backed by a JSON
// file and republishes it when the file is edited outside the process.
package configfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logging"
)

// DefaultSettle is the delay between the last file event and the reload.
const DefaultSettle = time.Second

// Options configures a Provider.
type Options struct {
	Path   string
	Settle time.Duration
	Log    *logging.Logger

	// Bus, when set, serves queries on Get and replacement objects on Set.
	// Either name may be empty.
	Bus *channel.Bus
	Get channel.Name
	Set channel.Name
}

// Provider holds the last good value of a JSON file.
type Provider[T any] struct {
	path   string
	settle time.Duration
	log    *logging.Logger
	bus    *channel.Bus
	get    channel.Name

	mu       sync.RWMutex
	value    T
	loaded   bool
	onChange []func(T)

	wg sync.WaitGroup
}

// New creates a Provider and loads the file if it exists. A file that cannot
// be parsed is logged and leaves the provider empty.
func New[T any](o Options) *Provider[T] {
	p := &Provider[T]{
		path:   o.Path,
		settle: o.Settle,
		log:    o.Log,
		bus:    o.Bus,
		get:    o.Get,
	}
	if p.settle <= 0 {
		p.settle = DefaultSettle
	}

	if v, err := p.read(); err == nil {
		p.value, p.loaded = v, true
	} else if !errors.Is(err, os.ErrNotExist) {
		p.log.Error("config load failed", "path", p.path, "error", err)
	}

	if o.Bus != nil {
		if o.Get != "" {
			o.Bus.Handle(o.Get, func(string) { p.push() })
		}
		if o.Set != "" {
			o.Bus.Handle(o.Set, p.handleSet)
		}
	}
	return p
}

// Get returns the current value and whether one was ever loaded or written.
func (p *Provider[T]) Get() (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, p.loaded
}

// OnChange registers fn for values reloaded after an external edit.
func (p *Provider[T]) OnChange(fn func(T)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// Write replaces the file with v. The in-memory value is only updated when
// the file was written.
func (p *Provider[T]) Write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.path, err)
	}
	if err := writeAtomic(p.path, data); err != nil {
		return err
	}

	p.mu.Lock()
	p.value, p.loaded = v, true
	p.mu.Unlock()

	p.push()
	return nil
}

// Watch reloads the file whenever it changes, until ctx is cancelled. Events
// are debounced by the settle delay. A settled change whose parsed content
// equals the current value is not pushed and does not notify OnChange, so
// touching the file or re-reading the provider's own write is silent.
func (p *Provider[T]) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so replacing the file by rename is seen.
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	p.wg.Add(1)
	go p.watchLoop(ctx, w)
	return nil
}

// Wait blocks until the watch loop has exited.
func (p *Provider[T]) Wait() {
	p.wg.Wait()
}

func (p *Provider[T]) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer p.wg.Done()
	defer w.Close()

	name := filepath.Clean(p.path)
	timer := time.NewTimer(p.settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.settle)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Error("config watch error", "path", p.path, "error", err)
		case <-timer.C:
			p.reload()
		}
	}
}

// reload re-reads the file and notifies if the content differs from memory.
func (p *Provider[T]) reload() {
	v, err := p.read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.log.Error("config reload failed, keeping last good value", "path", p.path, "error", err)
		}
		return
	}

	p.mu.Lock()
	if p.loaded && reflect.DeepEqual(p.value, v) {
		p.mu.Unlock()
		return
	}
	p.value, p.loaded = v, true
	fns := append([]func(T){}, p.onChange...)
	p.mu.Unlock()

	p.log.Info("config changed", "path", p.path)
	p.push()
	for _, fn := range fns {
		fn(v)
	}
}

func (p *Provider[T]) read() (T, error) {
	var v T
	data, err := os.ReadFile(p.path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse %s: %w", p.path, err)
	}
	return v, nil
}

// push sends the current value on the Get channel, if there is one.
func (p *Provider[T]) push() {
	if p.bus == nil || p.get == "" {
		return
	}
	v, ok := p.Get()
	if !ok {
		return
	}
	p.bus.Send(p.get, v)
}

func (p *Provider[T]) handleSet(payload string) {
	var v T
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		p.log.Error("invalid config update", "path", p.path, "error", err)
		return
	}
	if err := p.Write(v); err != nil {
		p.log.Error("config write failed", "path", p.path, "error", err)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
