package accession

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// ExistenceChecker reports whether an accession ID is already stored.
type ExistenceChecker interface {
	AccessionExists(ctx context.Context, id string) (bool, error)
}

// ExistsFunc adapts a function to ExistenceChecker.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

func (f ExistsFunc) AccessionExists(ctx context.Context, id string) (bool, error) { return f(ctx, id) }

// RandomOption configures a RandomGenerator.
type RandomOption func(*RandomGenerator)

// WithLength sets the number of random characters after the prefix.
func WithLength(n int) RandomOption {
	return func(g *RandomGenerator) { g.length = n }
}

// WithAlphabet sets the characters random IDs are drawn from.
func WithAlphabet(a string) RandomOption {
	return func(g *RandomGenerator) { g.alphabet = a }
}

// WithMaxAttempts sets the retry bound. Values below one fall back to
// DefaultMaxAttempts.
func WithMaxAttempts(n int) RandomOption {
	return func(g *RandomGenerator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithRandSource overrides crypto/rand, mainly for tests.
func WithRandSource(r io.Reader) RandomOption {
	return func(g *RandomGenerator) { g.rand = r }
}

// RandomGenerator samples prefixed fixed-length IDs and rejects any that the
// store already holds or that this instance handed out before. The session
// set lets a caller generate several IDs before persisting any of them; its
// lifetime is the generator's, so create one per logical operation or call
// Reset between operations.
type RandomGenerator struct {
	prefix      string
	length      int
	alphabet    string
	maxAttempts int
	exists      ExistenceChecker
	rand        io.Reader

	mu      sync.Mutex
	session map[string]struct{}
}

// NewRandomGenerator creates a generator for IDs of the form prefix+random.
// exists may be nil when there is nothing persisted to check against.
func NewRandomGenerator(prefix string, exists ExistenceChecker, opts ...RandomOption) (*RandomGenerator, error) {
	g := &RandomGenerator{
		prefix:      prefix,
		length:      8,
		alphabet:    "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ",
		maxAttempts: DefaultMaxAttempts,
		exists:      exists,
		rand:        rand.Reader,
		session:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.length < 1 {
		return nil, fmt.Errorf("%w: random id length must be positive, got %d", apperr.ErrConfiguration, g.length)
	}
	if len(g.alphabet) < 2 {
		return nil, fmt.Errorf("%w: random id alphabet needs at least two characters", apperr.ErrConfiguration)
	}
	return g, nil
}

// MaxAttempts returns the retry bound.
func (g *RandomGenerator) MaxAttempts() int { return g.maxAttempts }

// Generate ignores the record key; it satisfies Generator.
func (g *RandomGenerator) Generate(ctx context.Context, _ Keyed) (string, error) {
	return g.Next(ctx)
}

// Next returns an ID unknown to both the store and this session.
func (g *RandomGenerator) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate, err := g.sample()
		if err != nil {
			return "", err
		}
		if _, seen := g.session[candidate]; seen {
			continue
		}
		if g.exists != nil {
			taken, err := g.exists.AccessionExists(ctx, candidate)
			if err != nil {
				return "", fmt.Errorf("check accession %s: %w", candidate, err)
			}
			if taken {
				continue
			}
		}
		g.session[candidate] = struct{}{}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: no free %q id after %d attempts", apperr.ErrExhausted, g.prefix, g.maxAttempts)
}

// Insert generates IDs and hands them to insert until one is accepted. An
// insert failing with apperr.ErrDuplicate lost a race with another process
// and is retried with a fresh ID; any other error is returned as is.
func (g *RandomGenerator) Insert(ctx context.Context, insert func(ctx context.Context, id string) error) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		id, err := g.Next(ctx)
		if err != nil {
			return "", err
		}
		err = insert(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, apperr.ErrDuplicate) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: every insert of a %q id collided after %d attempts", apperr.ErrExhausted, g.prefix, g.maxAttempts)
}

// Reset forgets the IDs handed out by this instance.
func (g *RandomGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = make(map[string]struct{})
}

func (g *RandomGenerator) sample() (string, error) {
	n := big.NewInt(int64(len(g.alphabet)))
	buf := make([]byte, g.length)
	for i := range buf {
		idx, err := rand.Int(g.rand, n)
		if err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		buf[i] = g.alphabet[idx.Int64()]
	}
	return g.prefix + string(buf), nil
}
