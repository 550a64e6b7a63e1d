// Package queue manages a time-rolled sequence of stores, one per cycle,
// under a single directory. The pool hands out refcounted store handles and
// tells a listener when the backing files come into and go out of use.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chroniq/chroniq/pkg/common/log"
	"github.com/chroniq/chroniq/pkg/config"
	"github.com/chroniq/chroniq/pkg/store"
)

var (
	ErrPoolClosed = errors.New("store pool is closed")
)

// Direction selects which way NextCycle walks the populated cycles.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

// StoreFileListener receives notifications when a cycle's backing files
// come into use and when the last reference goes away. Callbacks run under
// the pool lock; they must not call back into the pool.
type StoreFileListener interface {
	OnAcquired(cycle int, file string)
	OnReleased(cycle int, file string)
}

// NoopListener ignores all notifications.
type NoopListener struct{}

func (NoopListener) OnAcquired(cycle int, file string) {}
func (NoopListener) OnReleased(cycle int, file string) {}

// Handle is a pinned reference to a pooled store. Release it back to the
// pool when done; the embedded store is shared and must not be closed
// directly.
type Handle struct {
	*store.Store
	cycle int
}

// Cycle returns the cycle this handle's store belongs to.
func (h *Handle) Cycle() int {
	return h.cycle
}

type pooledStore struct {
	store *store.Store
	refs  int
}

// Pool maps cycle -> refcounted store for the file pairs
// <dir>/<name>-<cycle>.index/.data.
type Pool struct {
	mu       sync.Mutex
	dir      string
	name     string
	conf     *config.Config
	listener StoreFileListener
	logger   log.Logger
	stores   map[int]*pooledStore
	closed   bool
}

// NewPool creates a pool over dir. A nil listener is replaced by
// NoopListener, a nil logger by the default.
func NewPool(dir, name string, conf *config.Config, listener StoreFileListener, logger log.Logger) *Pool {
	if listener == nil {
		listener = NoopListener{}
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if conf == nil {
		conf = config.NewDefaultConfig()
	}
	return &Pool{
		dir:      dir,
		name:     name,
		conf:     conf,
		listener: listener,
		logger:   logger.WithField("dir", dir),
		stores:   make(map[int]*pooledStore),
	}
}

func (p *Pool) basePath(cycle int) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%08d", p.name, cycle))
}

// Acquire returns a pinned handle on the store for cycle. When the cycle
// has no files yet and createIfAbsent is false, it returns (nil, nil).
func (p *Pool) Acquire(cycle int, createIfAbsent bool) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if ps, ok := p.stores[cycle]; ok {
		ps.refs++
		return &Handle{Store: ps.store, cycle: cycle}, nil
	}

	base := p.basePath(cycle)
	if !createIfAbsent {
		if _, err := os.Stat(base + ".index"); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
	}

	s, err := store.Open(base, p.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open store for cycle %d: %w", cycle, err)
	}

	p.stores[cycle] = &pooledStore{store: s, refs: 1}
	p.listener.OnAcquired(cycle, base)
	return &Handle{Store: s, cycle: cycle}, nil
}

// Release unpins a handle. When the last reference goes away the store is
// closed and the listener notified.
func (p *Pool) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.stores[h.cycle]
	if !ok || ps.store != h.Store {
		p.logger.Warn("release of unpooled store for cycle %d", h.cycle)
		return nil
	}

	ps.refs--
	if ps.refs > 0 {
		return nil
	}

	delete(p.stores, h.cycle)
	err := ps.store.Close()
	p.listener.OnReleased(h.cycle, p.basePath(h.cycle))
	return err
}

// NextCycle returns the nearest populated cycle after (Forward) or before
// (Backward) current. ok is false when there is none.
func (p *Pool) NextCycle(current int, d Direction) (cycle int, ok bool, err error) {
	cycles, err := p.Cycles(0, int(^uint(0)>>1))
	if err != nil {
		return 0, false, err
	}

	switch d {
	case Forward:
		for _, c := range cycles {
			if c > current {
				return c, true, nil
			}
		}
	case Backward:
		for i := len(cycles) - 1; i >= 0; i-- {
			if cycles[i] < current {
				return cycles[i], true, nil
			}
		}
	default:
		return 0, false, fmt.Errorf("invalid direction %d", d)
	}
	return 0, false, nil
}

// Cycles lists the populated cycles within [lo, hi], sorted ascending.
func (p *Pool) Cycles(lo, hi int) ([]int, error) {
	pattern := filepath.Join(p.dir, p.name+"-*.index")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle files: %w", err)
	}

	var cycles []int
	prefix := p.name + "-"
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".index")
		numStr := strings.TrimPrefix(base, prefix)
		cycle, err := strconv.Atoi(numStr)
		if err != nil {
			// Not one of ours
			continue
		}
		if cycle >= lo && cycle <= hi {
			cycles = append(cycles, cycle)
		}
	}

	sort.Ints(cycles)
	return cycles, nil
}

// Close releases every pooled store. Outstanding handles become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for cycle, ps := range p.stores {
		if ps.refs > 0 {
			p.logger.Warn("closing store for cycle %d with %d outstanding references", cycle, ps.refs)
		}
		if err := ps.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.listener.OnReleased(cycle, p.basePath(cycle))
		delete(p.stores, cycle)
	}
	return firstErr
}
