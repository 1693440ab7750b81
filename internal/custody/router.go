package custody

import (
	"context"
	"fmt"
)

// Router dispatches each call to the gateway registered for its chain.
type Router struct {
	routes   map[string]Gateway
	fallback Gateway
}

// NewRouter creates a router. fallback serves chains with no explicit route
// and may be nil.
func NewRouter(fallback Gateway) *Router {
	return &Router{routes: make(map[string]Gateway), fallback: fallback}
}

// Route registers g for chain.
func (r *Router) Route(chain string, g Gateway) *Router {
	r.routes[chain] = g
	return r
}

func (r *Router) pick(op, chain string) (Gateway, error) {
	if g, ok := r.routes[chain]; ok {
		return g, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, Terminal(op, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain))
}

func (r *Router) Lock(ctx context.Context, req LockRequest) (string, error) {
	g, err := r.pick(OpLock, req.Chain)
	if err != nil {
		return "", err
	}
	return g.Lock(ctx, req)
}

func (r *Router) Release(ctx context.Context, req TransferRequest) (string, error) {
	g, err := r.pick(OpRelease, req.Chain)
	if err != nil {
		return "", err
	}
	return g.Release(ctx, req)
}

func (r *Router) Refund(ctx context.Context, req TransferRequest) (string, error) {
	g, err := r.pick(OpRefund, req.Chain)
	if err != nil {
		return "", err
	}
	return g.Refund(ctx, req)
}

func (r *Router) Split(ctx context.Context, req SplitRequest) (string, error) {
	g, err := r.pick(OpSplit, req.Chain)
	if err != nil {
		return "", err
	}
	return g.Split(ctx, req)
}
