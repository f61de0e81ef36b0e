package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Adjuster reconciles a gate with quota information found in response
// headers. Each remote API reports its quota differently, so every concrete
// client picks or writes its own.
type Adjuster interface {
	Adjust(ctx context.Context, g *Gate, header http.Header) error
}

// AdjusterFunc adapts a function to the Adjuster interface.
type AdjusterFunc func(ctx context.Context, g *Gate, header http.Header) error

// Adjust calls f.
func (f AdjusterFunc) Adjust(ctx context.Context, g *Gate, header http.Header) error {
	return f(ctx, g, header)
}

// UsedHeader returns an adjuster for APIs that report consumed quota
// (for example "X-MBX-USED-WEIGHT-1M").
func UsedHeader(name string) Adjuster {
	return AdjusterFunc(func(_ context.Context, g *Gate, header http.Header) error {
		used, ok, err := intHeader(header, name)
		if err != nil || !ok {
			return err
		}
		g.SetUsedTokens(used)
		return nil
	})
}

// RemainingHeader returns an adjuster for APIs that report remaining quota
// (for example "X-RateLimit-Remaining").
func RemainingHeader(name string) Adjuster {
	return AdjusterFunc(func(_ context.Context, g *Gate, header http.Header) error {
		remaining, ok, err := intHeader(header, name)
		if err != nil || !ok {
			return err
		}
		g.SetUsedTokens(g.Capacity() - remaining)
		return nil
	})
}

// Chain runs adjusters in order. Every adjuster runs even when an earlier
// one fails; the errors are joined.
func Chain(adjusters ...Adjuster) Adjuster {
	return AdjusterFunc(func(ctx context.Context, g *Gate, header http.Header) error {
		var errs []error
		for _, a := range adjusters {
			if a == nil {
				continue
			}
			if err := a.Adjust(ctx, g, header); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// intHeader parses an integer header. A missing header is not an error.
func intHeader(header http.Header, name string) (int, bool, error) {
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return 0, false, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s header: %w", name, err)
	}
	return v, true, nil
}
