package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"peerhub/pkg/identity"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
)

// ErrUnknownTarget is reported for target names without a resolver.
var ErrUnknownTarget = errors.New("unknown target")

// Directory is the peer view resolvers work against. *peers.Directory
// implements it.
type Directory interface {
	Get(identity.PeerID) *peers.Session
	All() []*peers.Session
	AllExcept(identity.PeerID) []*peers.Session
	Host() *peers.Session
}

// ResolveContext is handed to every resolver.
type ResolveContext struct {
	Peers Directory
	// Message is the header of the message being routed. It may be nil for
	// server-originated sends without a message.
	Message *protocol.Header
}

// Resolver computes the current peers for one target.
type Resolver func(ResolveContext, protocol.Target) []*peers.Session

// Router maps target names to resolvers and merges their results.
type Router struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver

	strict           bool
	warningsDisabled atomic.Bool
	log              *zap.Logger
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = l } }

// WithStrictTargets makes Resolve return ErrUnknownTarget for unknown names
// in addition to the warning.
func WithStrictTargets(b bool) Option { return func(r *Router) { r.strict = b } }

func WithWarningsDisabled(b bool) Option {
	return func(r *Router) { r.warningsDisabled.Store(b) }
}

// New returns a router with the built-in targets registered.
func New(opts ...Option) *Router {
	r := &Router{resolvers: make(map[string]Resolver), log: zap.L()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("router")
	r.Register(protocol.TargetAll, resolveAll)
	r.Register(protocol.TargetServer, resolveNone)
	r.Register(protocol.TargetHost, resolveHost)
	r.Register(protocol.TargetAllButHost, resolveAllButHost)
	r.Register(protocol.TargetPeer, resolvePeer)
	return r
}

// Register binds name to fn, replacing any previous resolver.
func (r *Router) Register(name string, fn Resolver) {
	r.mu.Lock()
	r.resolvers[name] = fn
	r.mu.Unlock()
}

func (r *Router) SetWarningsDisabled(b bool) { r.warningsDisabled.Store(b) }

func (r *Router) lookup(name string) Resolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolvers[name]
}

// Resolve unions every target's peers, each identity once, in first-seen
// order. Unknown names contribute nothing; the returned error is only set
// in strict mode and never stops the other targets from resolving.
func (r *Router) Resolve(ctx ResolveContext, targets []protocol.Target) ([]*peers.Session, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	var (
		out  []*peers.Session
		seen = make(map[identity.PeerID]struct{})
		errs []error
	)
	for _, t := range targets {
		fn := r.lookup(t.Name)
		if fn == nil {
			if !r.warningsDisabled.Load() {
				r.log.Warn("no resolver for target", zap.String("target", t.Name))
			}
			if r.strict {
				errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownTarget, t.Name))
			}
			continue
		}
		for _, s := range fn(ctx, t) {
			if s == nil {
				continue
			}
			id := s.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, s)
		}
	}
	return out, errors.Join(errs...)
}

func resolveAll(ctx ResolveContext, _ protocol.Target) []*peers.Session { return ctx.Peers.All() }

func resolveNone(ResolveContext, protocol.Target) []*peers.Session { return nil }

func resolveHost(ctx ResolveContext, _ protocol.Target) []*peers.Session {
	if h := ctx.Peers.Host(); h != nil {
		return []*peers.Session{h}
	}
	return nil
}

func resolveAllButHost(ctx ResolveContext, _ protocol.Target) []*peers.Session {
	h := ctx.Peers.Host()
	if h == nil {
		return ctx.Peers.All()
	}
	return ctx.Peers.AllExcept(h.ID())
}

func resolvePeer(ctx ResolveContext, t protocol.Target) []*peers.Session {
	if t.Peer == nil {
		return nil
	}
	if s := ctx.Peers.Get(*t.Peer); s != nil {
		return []*peers.Session{s}
	}
	return nil
}
