// Package engine wires PolicyStore, PolicyCache, PRP, and PDP into a
// single Decide entrypoint. There is no global singleton: every caller
// constructs its own Engine with New, explicit dependency injection
// throughout.
package engine

import (
	"context"
	"time"

	"github.com/latticeauth/abac/pkg/cache"
	"github.com/latticeauth/abac/pkg/categorize"
	"github.com/latticeauth/abac/pkg/pcontext"
	"github.com/latticeauth/abac/pkg/pdp"
	"github.com/latticeauth/abac/pkg/prp"
	"github.com/latticeauth/abac/pkg/store"
)

// Engine is the whole read-side evaluation pipeline behind one call.
type Engine struct {
	Cache     *cache.Cache
	Evaluator *pdp.Evaluator
}

// Options configures New. A nil Categorizer defaults to categorize.Reflective.
type Options struct {
	TTL        time.Duration
	Categorize categorize.Categorizer
}

func New(s store.PolicyStore, opts Options) *Engine {
	c := cache.New(s, opts.TTL)
	retrieval := prp.New(c, opts.Categorize)
	return &Engine{Cache: c, Evaluator: pdp.New(retrieval)}
}

// Decide is the single authorization entrypoint: given an action and a
// request context, return the combined Decision.
func (e *Engine) Decide(ctx context.Context, action string, reqCtx *pcontext.Context) (pdp.Decision, error) {
	return e.Evaluator.Evaluate(ctx, action, reqCtx)
}
