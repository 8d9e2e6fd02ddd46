// Package gateway implements the singleton Model Gateway (§4.D): lazy
// lifecycle management of the shared OCR engine, and a reentrant
// process-wide inference mutex scoped only to predict calls.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/examcore/examcore/internal/config"
)

type state int

const (
	stateUninitialized state = iota
	stateWarming
	stateReady
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateWarming:
		return "warming"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Gateway is the singleton wrapper around the shared OCR engine. Warmup is
// idempotent and coalescing: concurrent callers await the single in-flight
// attempt rather than triggering their own.
type Gateway struct {
	newEngine func() (Engine, error)

	mu        sync.Mutex
	state     state
	engine    Engine
	warmupErr error
	warmedAt  time.Time
	inflight  chan struct{}

	inferMu   sync.Mutex
	inferCond *sync.Cond
	holder    uint64
	depth     int
	nextToken atomic.Uint64
}

func newGateway(cfg config.Config) *Gateway {
	g := &Gateway{
		newEngine: func() (Engine, error) {
			if cfg.OCRGRPCURL == "" {
				return stubEngine{}, nil
			}
			return dialGRPC(cfg.OCRGRPCURL)
		},
	}
	g.inferCond = sync.NewCond(&g.inferMu)
	return g
}

var (
	instanceMu sync.Mutex
	instance   *Gateway
)

// Instance returns the process-wide Gateway, constructing it on first call.
func Instance(cfg config.Config) *Gateway {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = newGateway(cfg)
	}
	return instance
}

// ResetInstance discards the singleton. Test-only hook, per spec §4.D.
func ResetInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Shutdown()
	}
	instance = nil
}

// Warmup loads the engine (connects/JITs) if not already ready. Concurrent
// callers while a warmup is in flight block on the same attempt rather than
// starting their own. If force is true, a successful prior warmup is redone.
func (g *Gateway) Warmup(ctx context.Context, force bool) (bool, error) {
	g.mu.Lock()
	if g.state == stateReady && !force {
		g.mu.Unlock()
		return true, nil
	}
	if g.state == stateWarming {
		ch := g.inflight
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		g.mu.Lock()
		ok := g.state == stateReady
		err := g.warmupErr
		g.mu.Unlock()
		return ok, err
	}

	g.state = stateWarming
	ch := make(chan struct{})
	g.inflight = ch
	g.mu.Unlock()

	err := g.doWarmup(ctx)

	g.mu.Lock()
	if err != nil {
		g.state = stateFailed
		g.warmupErr = err
	} else {
		g.state = stateReady
		g.warmedAt = time.Now()
		g.warmupErr = nil
	}
	g.inflight = nil
	g.mu.Unlock()
	close(ch)
	return err == nil, err
}

func (g *Gateway) doWarmup(ctx context.Context) error {
	eng, err := g.newEngine()
	if err != nil {
		return err
	}
	if err := eng.Warmup(ctx); err != nil {
		_ = eng.Close()
		return fmt.Errorf("gateway: warmup: %w", err)
	}
	g.mu.Lock()
	g.engine = eng
	g.mu.Unlock()
	return nil
}

// EnsureReady awaits the current warmup, or triggers one, returning an error
// if the last attempt failed (unless force is set, which retries it).
func (g *Gateway) EnsureReady(ctx context.Context, force bool) error {
	g.mu.Lock()
	st := g.state
	failErr := g.warmupErr
	g.mu.Unlock()

	if st == stateReady && !force {
		return nil
	}
	if st == stateFailed && !force {
		return fmt.Errorf("gateway: not ready, last warmup failed: %w", failErr)
	}
	ok, err := g.Warmup(ctx, force)
	if !ok {
		return err
	}
	return nil
}

// Lease acquires a handle to the engine. Leases do not themselves hold the
// hard inference mutex — only a Lease's Predict call does, scoped to the RPC
// itself, so CPU-side work in other leases can proceed concurrently.
func (g *Gateway) Lease(ctx context.Context) (*Lease, error) {
	if err := g.EnsureReady(ctx, false); err != nil {
		return nil, err
	}
	return &Lease{gw: g, token: g.nextToken.Add(1)}, nil
}

// Shutdown releases the underlying engine's resources and resets the state
// machine to uninitialized.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine != nil {
		_ = g.engine.Close()
	}
	g.engine = nil
	g.state = stateUninitialized
	g.warmupErr = nil
}

// State reports the current lifecycle state, for diagnostics.
func (g *Gateway) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.String()
}

func (g *Gateway) acquireInfer(token uint64) {
	g.inferMu.Lock()
	defer g.inferMu.Unlock()
	for g.holder != 0 && g.holder != token {
		g.inferCond.Wait()
	}
	g.holder = token
	g.depth++
}

func (g *Gateway) releaseInfer(token uint64) {
	g.inferMu.Lock()
	defer g.inferMu.Unlock()
	g.depth--
	if g.depth == 0 {
		g.holder = 0
		g.inferCond.Signal()
	}
}

// Lease is a scoped handle to the shared engine, bound to one logical unit
// of work (e.g. one page). Its Predict method acquires the process-wide hard
// mutex only for the RPC itself; it is reentrant for nested Predict calls
// made within the same lease (e.g. a retry inside post-processing).
type Lease struct {
	gw    *Gateway
	token uint64
}

// Predict runs inference under the gateway's hard inference mutex.
func (l *Lease) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	l.gw.mu.Lock()
	eng := l.gw.engine
	l.gw.mu.Unlock()
	if eng == nil {
		return nil, fmt.Errorf("gateway: lease used before engine warmup completed")
	}

	l.gw.acquireInfer(l.token)
	defer l.gw.releaseInfer(l.token)
	return eng.Predict(ctx, req)
}
