// Package identity resolves the relay's ed25519 identity keypair.
//
// Sources are tried in order and the first that is configured wins. A
// source that is configured but broken (unreadable file, malformed JSON,
// wrong key length) is an error rather than a reason to fall through, so a
// typo in deployment config never silently yields a throwaway identity.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// EnvVar is the environment variable consulted by DefaultChain.
const EnvVar = "IDENTITY"

var (
	// ErrNotConfigured is returned by a Resolver whose source is not set.
	ErrNotConfigured = errors.New("identity source not configured")

	// ErrNoIdentity is returned by Resolve when no resolver is configured.
	ErrNoIdentity = errors.New("no identity source configured")

	// ErrInvalidKeypair is returned for keypair bytes that are not a valid
	// 64-byte ed25519 keypair.
	ErrInvalidKeypair = errors.New("invalid keypair")
)

// Identity is a resolved keypair.
type Identity struct {
	PrivateKey ed25519.PrivateKey

	// Source names the resolver that produced the identity.
	Source string
}

// Pubkey returns the identity's public key.
func (id Identity) Pubkey() types.Pubkey {
	var pk types.Pubkey
	copy(pk[:], id.PrivateKey.Public().(ed25519.PublicKey))
	return pk
}

// Resolver is one identity source.
type Resolver interface {
	Resolve(ctx context.Context) (Identity, error)
}

// Resolve returns the identity from the first configured resolver.
func Resolve(ctx context.Context, resolvers ...Resolver) (Identity, error) {
	for _, r := range resolvers {
		if err := ctx.Err(); err != nil {
			return Identity{}, err
		}
		id, err := r.Resolve(ctx)
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		if err != nil {
			return Identity{}, fmt.Errorf("resolve identity: %w", err)
		}
		return id, nil
	}
	return Identity{}, ErrNoIdentity
}

// DefaultChain is the standard resolution order: the IDENTITY environment
// variable as an inline keypair, then as a keypair file path, then the
// configured keypair file, and finally a fresh ephemeral key.
func DefaultChain(keypairPath string) []Resolver {
	return []Resolver{
		EnvInline{Var: EnvVar},
		EnvFile{Var: EnvVar},
		File{Path: keypairPath},
		Ephemeral{},
	}
}

// EnvInline reads a JSON byte-array keypair from an environment variable.
// A value that is not a JSON array is left for EnvFile.
type EnvInline struct {
	Var string
}

func (r EnvInline) Resolve(ctx context.Context) (Identity, error) {
	value, ok := lookupEnv(r.Var)
	if !ok || !strings.HasPrefix(value, "[") {
		return Identity{}, ErrNotConfigured
	}

	key, err := ParseKeypair([]byte(value))
	if err != nil {
		return Identity{}, fmt.Errorf("env %s: %w", r.Var, err)
	}
	return Identity{PrivateKey: key, Source: "env:" + r.Var}, nil
}

// EnvFile reads a keypair file whose path is in an environment variable.
type EnvFile struct {
	Var string
}

func (r EnvFile) Resolve(ctx context.Context) (Identity, error) {
	value, ok := lookupEnv(r.Var)
	if !ok || strings.HasPrefix(value, "[") {
		return Identity{}, ErrNotConfigured
	}

	key, err := readKeypairFile(value)
	if err != nil {
		return Identity{}, fmt.Errorf("env %s: %w", r.Var, err)
	}
	return Identity{PrivateKey: key, Source: "file:" + value}, nil
}

// File reads a keypair file at a configured path.
type File struct {
	Path string
}

func (r File) Resolve(ctx context.Context) (Identity, error) {
	if r.Path == "" {
		return Identity{}, ErrNotConfigured
	}

	key, err := readKeypairFile(r.Path)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PrivateKey: key, Source: "file:" + r.Path}, nil
}

// Ephemeral generates a fresh keypair. It is always configured.
type Ephemeral struct{}

func (Ephemeral) Resolve(ctx context.Context) (Identity, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Identity{PrivateKey: key, Source: "ephemeral"}, nil
}

func lookupEnv(name string) (string, bool) {
	value, ok := os.LookupEnv(name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func readKeypairFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair file: %w", err)
	}
	key, err := ParseKeypair(data)
	if err != nil {
		return nil, fmt.Errorf("keypair file %s: %w", path, err)
	}
	return key, nil
}

// ParseKeypair parses the JSON keypair format: an array of 64 bytes holding
// the 32-byte seed followed by the 32-byte public key.
func ParseKeypair(data []byte) (ed25519.PrivateKey, error) {
	// []byte would decode from base64, so go through a wider type.
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeypair, err)
	}
	if len(values) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeypair, ed25519.PrivateKeySize, len(values))
	}

	raw := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range: %d", ErrInvalidKeypair, i, v)
		}
		raw[i] = byte(v)
	}

	key := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrInvalidKeypair)
	}
	return key, nil
}

// MarshalKeypair encodes key in the format ParseKeypair reads.
func MarshalKeypair(key ed25519.PrivateKey) ([]byte, error) {
	values := make([]int, len(key))
	for i, b := range key {
		values[i] = int(b)
	}
	return json.Marshal(values)
}
