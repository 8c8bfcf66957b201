package accession

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/capitalone/fpe/ff1"
	"golang.org/x/crypto/pbkdf2"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/idcodec"
)

const (
	// DefaultDomainMax is the largest key the specimen generator accepts.
	DefaultDomainMax uint64 = 4294967295

	// DefaultSpecimenPrefix marks specimen accession IDs.
	DefaultSpecimenPrefix = "C"

	outputBase      = 20
	kdfIterations   = 10000
	cipherKeyLength = 16
)

// FPEOption configures an FPEGenerator.
type FPEOption func(*FPEGenerator)

// WithPrefix sets the letter(s) prepended to every ID.
func WithPrefix(p string) FPEOption {
	return func(g *FPEGenerator) { g.prefix = p }
}

// WithDomainMax sets D, the inclusive upper bound of the key domain.
func WithDomainMax(d uint64) FPEOption {
	return func(g *FPEGenerator) { g.domainMax = d }
}

// FPEGenerator is a bijection from keys in [0, D] to accession IDs. Keys are
// written as fixed-width decimal strings, permuted with FF1 and cycle-walked
// back into [0, D], then rendered in base 20. Distinct keys therefore never
// collide and no existence check is needed.
type FPEGenerator struct {
	prefix    string
	domainMax uint64
	width     int
	digits    int

	mu     sync.Mutex
	cipher ff1.Cipher
}

// NewFPEGenerator builds the generator from provisioned key material. The
// AES key is derived from the base key and password; the IV is the FF1 tweak.
func NewFPEGenerator(km KeyMaterial, opts ...FPEOption) (*FPEGenerator, error) {
	if err := km.Validate(); err != nil {
		return nil, err
	}
	g := &FPEGenerator{
		prefix:    DefaultSpecimenPrefix,
		domainMax: DefaultDomainMax,
	}
	for _, o := range opts {
		o(g)
	}
	// FF1 with radix 10 needs at least six numerals.
	if g.domainMax < 999999 {
		return nil, fmt.Errorf("%w: accession domain %d is too small for FF1", apperr.ErrConfiguration, g.domainMax)
	}
	g.width = idcodec.DigitsFor(g.domainMax, 10)
	g.digits = idcodec.DigitsFor(g.domainMax, outputBase)

	key := pbkdf2.Key(km.Password, km.BaseKey, kdfIterations, cipherKeyLength, sha256.New)
	c, err := ff1.NewCipher(10, len(km.IV), key, km.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: init ff1 cipher: %v", apperr.ErrConfiguration, err)
	}
	g.cipher = c
	return g, nil
}

// Len returns the length of every ID the generator produces.
func (g *FPEGenerator) Len() int { return len(g.prefix) + g.digits }

// Generate derives the ID of a stored record.
func (g *FPEGenerator) Generate(_ context.Context, rec Keyed) (string, error) {
	key, ok := rec.PersistedKey()
	if !ok {
		return "", fmt.Errorf("%w: record has no persisted key yet", apperr.ErrPrecondition)
	}
	if key < 0 {
		return "", fmt.Errorf("%w: negative key %d", apperr.ErrRange, key)
	}
	return g.Encode(uint64(key))
}

// Encode maps k in [0, D] to its accession ID.
func (g *FPEGenerator) Encode(k uint64) (string, error) {
	if k > g.domainMax {
		return "", fmt.Errorf("%w: key %d exceeds accession domain %d", apperr.ErrRange, k, g.domainMax)
	}
	permuted, err := g.walk(k, true)
	if err != nil {
		return "", err
	}
	body, err := idcodec.ToBaseN(permuted, outputBase, g.digits)
	if err != nil {
		return "", err
	}
	return g.prefix + body, nil
}

// Decode recovers the key an ID was generated from.
func (g *FPEGenerator) Decode(id string) (uint64, error) {
	if !strings.HasPrefix(strings.ToUpper(id), strings.ToUpper(g.prefix)) {
		return 0, fmt.Errorf("%w: %q does not start with %q", apperr.ErrValidation, id, g.prefix)
	}
	body := id[len(g.prefix):]
	if len(body) != g.digits {
		return 0, fmt.Errorf("%w: %q must have %d digits after the prefix", apperr.ErrValidation, id, g.digits)
	}
	permuted, err := idcodec.FromBaseN(body, outputBase)
	if err != nil {
		return 0, err
	}
	if permuted > g.domainMax {
		return 0, fmt.Errorf("%w: %q is outside the accession domain", apperr.ErrRange, id)
	}
	return g.walk(permuted, false)
}

// walk applies the cipher until the value lands back in [0, D]. Because FF1
// permutes [0, 10^width) and [0, D] is a subset, following the cycle from
// any in-domain value reaches another in-domain value.
func (g *FPEGenerator) walk(v uint64, encrypt bool) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	x := fmt.Sprintf("%0*d", g.width, v)
	for {
		var err error
		if encrypt {
			x, err = g.cipher.Encrypt(x)
		} else {
			x, err = g.cipher.Decrypt(x)
		}
		if err != nil {
			return 0, fmt.Errorf("ff1 permutation: %w", err)
		}
		out, err := strconv.ParseUint(x, 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("ff1 produced non-decimal output %q: %w", x, err)
		}
		if out <= g.domainMax {
			return out, nil
		}
	}
}
