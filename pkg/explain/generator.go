package explain

import (
	"context"
	"errors"
)

// ErrUpstreamUnavailable reports that the generator's backing model could
// not produce an explanation. No quota unit is consumed for such a request.
var ErrUpstreamUnavailable = errors.New("explanation generator unavailable")

// Generator produces the explanation text for a symbol in its surrounding
// context. Implementations wrap an LLM or any other text source; failures
// should wrap ErrUpstreamUnavailable so callers can map them to a retryable
// response.
type Generator interface {
	Generate(ctx context.Context, symbol, contextText string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, symbol, contextText string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, symbol, contextText string) (string, error) {
	return f(ctx, symbol, contextText)
}
