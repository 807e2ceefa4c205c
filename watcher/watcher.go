// Package watcher turns raw filesystem notifications into debounced batches
// of changed paths.
//
// An Aggregator owns one fsnotify handle per watch target. Every raw event is
// passed through a Matcher; matching paths are collected into an ordered set
// and flushed as a single Batch once no new matching event has arrived for the
// debounce interval. With a zero interval every matching event is delivered
// on its own, immediately.
//
// The pending set and the debounce timer belong to a single event-loop
// goroutine per Aggregator; nothing else reads or writes them.
package watcher

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Kind is the binary event classification most OS watch APIs expose.
type Kind int

const (
	// KindChange is a modification of an existing path.
	KindChange Kind = iota
	// KindRename covers creation, deletion and renames.
	KindRename
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Batch is one debounced change notification.
type Batch struct {
	// Paths holds each distinct changed path once, in first-seen order.
	Paths []string
	// Kind is the kind of the most recent raw event in the batch.
	Kind Kind
}

// Matcher decides whether a path is relevant. *filter.Filter implements it.
type Matcher interface {
	IsWatched(path string) bool
}

// WatchSetupError reports a target that could not be watched.
type WatchSetupError struct {
	Target string
	Err    error
}

func (e *WatchSetupError) Error() string {
	return fmt.Sprintf("failed to watch %s: %v", e.Target, e.Err)
}

func (e *WatchSetupError) Unwrap() error {
	return e.Err
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithBaseDir reports paths relative to dir (forward slashes) when they lie
// under it. Paths elsewhere stay absolute.
func WithBaseDir(dir string) Option {
	return func(a *Aggregator) {
		a.baseDir = dir
	}
}

// WithSkipDir excludes directories from the recursive registration walk.
func WithSkipDir(skip func(dir string) bool) Option {
	return func(a *Aggregator) {
		a.skipDir = skip
	}
}

type rawEvent struct {
	path string
	kind Kind
}

// Aggregator watches a set of directory trees and emits debounced batches.
type Aggregator struct {
	targets  []string
	matcher  Matcher
	debounce time.Duration
	baseDir  string
	skipDir  func(string) bool
	handles  []*fsnotify.Watcher

	mu        sync.Mutex
	listeners []func(Batch)
	closed    bool

	events    chan rawEvent
	done      chan struct{}
	closeOnce sync.Once

	// Event-loop state.
	pending  []string
	seen     map[string]struct{}
	lastKind Kind
	timer    *time.Timer
}

// New opens a recursive watch on every target and starts delivering batches.
// Either all targets are watched or none are: on any failure every handle
// opened so far is closed and a *WatchSetupError is returned.
//
// A nil matcher accepts every path.
func New(targets []string, matcher Matcher, debounce time.Duration, opts ...Option) (*Aggregator, error) {
	if len(targets) == 0 {
		return nil, &WatchSetupError{Target: "", Err: errors.New("no watch targets")}
	}

	a := &Aggregator{
		matcher:  matcher,
		debounce: debounce,
		events:   make(chan rawEvent, 100),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.baseDir != "" {
		if abs, err := filepath.Abs(a.baseDir); err == nil {
			a.baseDir = abs
		}
	}

	a.targets = make([]string, len(targets))
	for i, target := range targets {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, &WatchSetupError{Target: target, Err: err}
		}
		a.targets[i] = filepath.Clean(abs)
	}

	handles := make([]*fsnotify.Watcher, len(a.targets))
	var g errgroup.Group
	for i, target := range a.targets {
		i, target := i, target
		g.Go(func() error {
			h, err := a.open(target)
			if err != nil {
				return &WatchSetupError{Target: target, Err: err}
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				h.Close()
			}
		}
		return nil, err
	}
	a.handles = handles

	for _, h := range a.handles {
		go a.forward(h)
	}
	go a.loop()

	return a, nil
}

// Targets returns the resolved absolute directories being watched.
func (a *Aggregator) Targets() []string {
	out := make([]string, len(a.targets))
	copy(out, a.targets)
	return out
}

// OnChange registers a batch listener. Listeners run in registration order
// on the aggregator's event-loop goroutine.
func (a *Aggregator) OnChange(fn func(Batch)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.listeners = append(a.listeners, fn)
}

// Close releases every watch handle and cancels any pending batch. It is
// idempotent and may be called from inside a listener.
func (a *Aggregator) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		// Unregister first so nothing is delivered once Close has begun.
		a.mu.Lock()
		a.closed = true
		a.listeners = nil
		a.mu.Unlock()

		close(a.done)
		for _, h := range a.handles {
			if err := h.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// open creates the fsnotify handle for one target and registers its tree.
func (a *Aggregator) open(target string) (*fsnotify.Watcher, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}

	h, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if err := h.Add(target); err != nil {
			h.Close()
			return nil, err
		}
		return h, nil
	}

	if err := h.Add(target); err != nil {
		h.Close()
		return nil, err
	}
	a.addRecursive(h, target, false)
	return h, nil
}

// addRecursive registers every directory below root. fsnotify does not
// watch recursively, so subdirectories need their own registration.
func (a *Aggregator) addRecursive(h *fsnotify.Watcher, root string, includeRoot bool) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if !d.IsDir() {
			return nil
		}
		if path == root && !includeRoot {
			return nil
		}
		if a.skipDir != nil && a.skipDir(path) {
			return filepath.SkipDir
		}
		if err := h.Add(path); err != nil {
			log.Printf("Warning: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

// forward pumps one handle's events into the shared event loop.
func (a *Aggregator) forward(h *fsnotify.Watcher) {
	for {
		select {
		case <-a.done:
			return
		case event, ok := <-h.Events:
			if !ok {
				return
			}
			kind, ok := classify(event)
			if !ok {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if a.skipDir == nil || !a.skipDir(event.Name) {
						a.addRecursive(h, event.Name, true)
					}
				}
			}
			select {
			case a.events <- rawEvent{path: event.Name, kind: kind}:
			case <-a.done:
				return
			}
		case err, ok := <-h.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func classify(event fsnotify.Event) (Kind, bool) {
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return KindRename, true
	case event.Has(fsnotify.Write):
		return KindChange, true
	default:
		// Attribute-only updates.
		return KindChange, false
	}
}

func (a *Aggregator) loop() {
	var timerC <-chan time.Time
	defer func() {
		if a.timer != nil {
			a.timer.Stop()
		}
	}()

	for {
		select {
		case <-a.done:
			return
		case ev := <-a.events:
			path := a.display(ev.path)
			if a.matcher != nil && !a.matcher.IsWatched(path) {
				continue
			}
			if a.debounce <= 0 {
				a.emit(Batch{Paths: []string{path}, Kind: ev.kind})
				continue
			}
			a.add(path, ev.kind)
			if a.timer == nil {
				a.timer = time.NewTimer(a.debounce)
				timerC = a.timer.C
			} else {
				a.timer.Stop()
				a.timer.Reset(a.debounce)
			}
		case <-timerC:
			a.flush()
		}
	}
}

func (a *Aggregator) add(path string, kind Kind) {
	a.lastKind = kind
	if _, ok := a.seen[path]; ok {
		return
	}
	a.seen[path] = struct{}{}
	a.pending = append(a.pending, path)
}

func (a *Aggregator) flush() {
	if len(a.pending) == 0 {
		return
	}
	batch := Batch{Paths: a.pending, Kind: a.lastKind}
	a.pending = nil
	a.seen = make(map[string]struct{})
	a.emit(batch)
}

func (a *Aggregator) emit(batch Batch) {
	a.mu.Lock()
	listeners := make([]func(Batch), len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, fn := range listeners {
		select {
		case <-a.done:
			return
		default:
		}
		fn(batch)
	}
}

// display converts an absolute event path into the form listeners see.
func (a *Aggregator) display(path string) string {
	if a.baseDir == "" {
		return path
	}
	rel, err := filepath.Rel(a.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}
