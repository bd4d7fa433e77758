package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAcquireTimeout is returned when every instance stays busy past the
// configured acquire timeout.
var ErrAcquireTimeout = errors.New("engine pool: all instances busy, acquire timed out")

// ErrPoolClosed is returned by Acquire once shutdown has begun.
var ErrPoolClosed = errors.New("engine pool: closed")

// FailureError is a native engine fault: a trained-data reload or a
// recognition call that failed inside the engine. It carries enough context
// to debug the failure without ever including image content.
type FailureError struct {
	Op         string
	Languages  []string
	Generation uint64
	ImageSize  int
	Err        error
}

func (e *FailureError) Error() string {
	msg := fmt.Sprintf("engine %s failed (languages=%s, instance generation=%d",
		e.Op, strings.Join(e.Languages, "+"), e.Generation)
	if e.ImageSize > 0 {
		msg += fmt.Sprintf(", image bytes=%d", e.ImageSize)
	}
	return msg + "): " + e.Err.Error()
}

func (e *FailureError) Unwrap() error { return e.Err }

// PoolConfig sizes and times the instance pool.
type PoolConfig struct {
	// Size is the number of pre-initialized instances.
	Size int
	// DefaultLanguages is the trained data loaded into fresh instances.
	DefaultLanguages []string
	// AcquireTimeout bounds how long a caller waits for an idle instance.
	AcquireTimeout time.Duration
	// ShutdownGrace bounds how long Close waits for in-flight calls.
	ShutdownGrace time.Duration
}

// Pool is a fixed-size pool of engine instances. The idle set is a buffered
// channel, so Acquire suspends the calling goroutine until an instance frees
// up or the timeout elapses; no waiter ever spins. Each instance is owned by
// at most one caller between Acquire and Release.
type Pool struct {
	cfg     PoolConfig
	factory Factory

	idle chan *pooledInstance

	usable       atomic.Int64
	replacements atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

type pooledInstance struct {
	inst       Instance
	generation uint64
}

// NewPool pre-initializes cfg.Size instances via the factory. Any instance
// failing to initialize aborts startup: a pool that silently comes up short
// would hide a broken installation.
func NewPool(cfg PoolConfig, factory Factory) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("engine pool: invalid size %d", cfg.Size)
	}
	if len(cfg.DefaultLanguages) == 0 {
		return nil, fmt.Errorf("engine pool: default languages must not be empty")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		idle:    make(chan *pooledInstance, cfg.Size),
		closed:  make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		inst, err := factory(cfg.DefaultLanguages)
		if err != nil {
			p.drainAndClose()
			return nil, fmt.Errorf("engine pool: initialize instance %d of %d: %w", i+1, cfg.Size, err)
		}
		p.idle <- &pooledInstance{inst: inst}
	}
	p.usable.Store(int64(cfg.Size))
	return p, nil
}

// Acquire blocks until an idle instance is available, the context is
// canceled, or the acquire timeout elapses. If the instance's loaded
// languages differ from the requested set it is reloaded before being handed
// out; a reload failure discards the instance, synchronously issues a
// replacement, and only then surfaces the error.
func (p *Pool) Acquire(ctx context.Context, languages []string) (*Lease, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	var pi *pooledInstance
	select {
	case pi = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-p.closed:
		return nil, ErrPoolClosed
	}

	if !sameLanguages(pi.inst.Languages(), languages) {
		if err := pi.inst.Reload(languages); err != nil {
			p.replace(pi)
			return nil, &FailureError{
				Op:         "reload",
				Languages:  languages,
				Generation: pi.generation,
				Err:        err,
			}
		}
	}
	return &Lease{pool: p, pi: pi}, nil
}

// replace closes a bad instance and puts a fresh one into the idle set. The
// usable count only drops when the factory itself fails, in which case the
// health probe will report the shrunken pool.
func (p *Pool) replace(bad *pooledInstance) {
	_ = bad.inst.Close()
	fresh, err := p.factory(p.cfg.DefaultLanguages)
	if err != nil {
		p.usable.Add(-1)
		return
	}
	p.idle <- &pooledInstance{inst: fresh, generation: p.replacements.Add(1)}
}

// UsableCount reports how many instances currently exist (idle or leased).
func (p *Pool) UsableCount() int { return int(p.usable.Load()) }

// Replacements reports how many instances have been replaced since startup.
func (p *Pool) Replacements() uint64 { return p.replacements.Load() }

// Close stops new acquisitions, then waits up to the shutdown grace period
// for leased instances to come back before force-closing whatever is idle.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })

	deadline := time.NewTimer(p.cfg.ShutdownGrace)
	defer deadline.Stop()

	remaining := p.UsableCount()
	for i := 0; i < remaining; i++ {
		select {
		case pi := <-p.idle:
			_ = pi.inst.Close()
		case <-deadline.C:
			p.drainAndClose()
			return fmt.Errorf("engine pool: %d instance(s) still busy after shutdown grace", remaining-i)
		}
	}
	return nil
}

func (p *Pool) drainAndClose() {
	for {
		select {
		case pi := <-p.idle:
			_ = pi.inst.Close()
		default:
			return
		}
	}
}

// Lease is exclusive ownership of one instance. Exactly one of Release or
// Discard must be called when the caller is done.
type Lease struct {
	pool *Pool
	pi   *pooledInstance
	done atomic.Bool
}

// Recognize runs the blocking native call on the leased instance.
func (l *Lease) Recognize(image []byte, params Params) (Output, error) {
	return l.pi.inst.Recognize(image, params)
}

// Languages returns the trained data loaded into the leased instance.
func (l *Lease) Languages() []string { return l.pi.inst.Languages() }

// Generation identifies the leased instance for diagnostics.
func (l *Lease) Generation() uint64 { return l.pi.generation }

// Release returns a healthy instance to the idle set.
func (l *Lease) Release() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.pool.idle <- l.pi
}

// Discard removes a failed instance from circulation and replaces it, so one
// bad instance cannot poison future requests.
func (l *Lease) Discard() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	l.pool.replace(l.pi)
}
