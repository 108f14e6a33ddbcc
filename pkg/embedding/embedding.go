// Package embedding turns text into fixed-size vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbedding wraps every failure produced by an Embedder.
var ErrEmbedding = errors.New("embedding: failed to embed text")

// Embedder converts text into a vector of Dimensions() floats.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Func adapts a function to the Embedder interface.
type Func struct {
	Fn   func(ctx context.Context, text string) ([]float32, error)
	Dims int
}

func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

func (f Func) Dimensions() int { return f.Dims }

// wrap annotates err as an embedding failure unless it already is one.
func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEmbedding) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrEmbedding, fmt.Sprintf(format, args...), err)
}
