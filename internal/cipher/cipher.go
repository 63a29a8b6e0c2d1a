// Package cipher implements the reversible transforms used to obfuscate
// bundles at rest. Every scheme is a pure function of its Params: codecs hold
// only derived key material and keep no state between calls.
package cipher

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Scheme identifies a transform
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeOffset
	SchemeXOR
	SchemeHeadTailXOR2
	SchemeHeadTailXOR4
	SchemeAES
	SchemeChaCha20
	SchemeXXTEA
	SchemeOffsetXOR
)

var schemeNames = map[Scheme]string{
	SchemeNone:         "none",
	SchemeOffset:       "offset",
	SchemeXOR:          "xor",
	SchemeHeadTailXOR2: "head-tail-xor-2",
	SchemeHeadTailXOR4: "head-tail-xor-4",
	SchemeAES:          "aes",
	SchemeChaCha20:     "chacha20",
	SchemeXXTEA:        "xxtea",
	SchemeOffsetXOR:    "offset-xor",
}

func (s Scheme) String() string {
	if name, ok := schemeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scheme(%d)", int(s))
}

// ParseScheme resolves a scheme by its configuration name
func ParseScheme(name string) (Scheme, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SchemeNone, nil
	}
	for s, n := range schemeNames {
		if n == name {
			return s, nil
		}
	}
	return SchemeNone, &ConfigError{Scheme: SchemeNone, Reason: fmt.Sprintf("unknown scheme %q", name)}
}

// Params carries the scheme selection and its key material
type Params struct {
	Scheme Scheme

	// Passphrase keys AES, ChaCha20 and XXTEA
	Passphrase string

	// Keys holds byte keys: XOR and OffsetXOR use Keys[0];
	// HeadTailXOR2 uses [headTail, jump]; HeadTailXOR4 uses [head, tail, jump1, jump2].
	Keys []byte

	// DummySize and Seed drive the Offset prefix
	DummySize int
	Seed      int64

	// Counter is the initial ChaCha20 block counter
	Counter uint32

	// KDF selects the passphrase key derivation: legacy (default), hkdf or argon2id
	KDF string
}

// Codec encrypts and decrypts whole buffers and decrypts streams
type Codec interface {
	Scheme() Scheme
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	// DecryptReader returns a reader yielding the plaintext of r.
	// size is the ciphertext length, or -1 when unknown.
	DecryptReader(r io.Reader, size int64) (io.Reader, error)
}

var (
	// ErrConfig matches every *ConfigError
	ErrConfig = errors.New("invalid cipher configuration")

	// ErrCorrupt reports ciphertext that cannot be decrypted with the configured scheme
	ErrCorrupt = errors.New("corrupt ciphertext")
)

// ConfigError reports missing or invalid key material for a scheme
type ConfigError struct {
	Scheme Scheme
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cipher %s: %s", e.Scheme, e.Reason)
}

// Is makes errors.Is(err, ErrConfig) hold for any ConfigError
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// New validates p and returns the codec for its scheme
func New(p Params) (Codec, error) {
	kdf, err := NewKeyDeriver(p.KDF)
	if err != nil {
		return nil, &ConfigError{Scheme: p.Scheme, Reason: err.Error()}
	}

	switch p.Scheme {
	case SchemeNone:
		return noneCodec{}, nil

	case SchemeOffset:
		if p.DummySize <= 0 {
			return nil, &ConfigError{Scheme: p.Scheme, Reason: "dummy size must be positive"}
		}
		return &offsetCodec{size: p.DummySize, seed: p.Seed}, nil

	case SchemeXOR:
		if err := requireKeys(p, 1); err != nil {
			return nil, err
		}
		return &xorCodec{key: p.Keys[0]}, nil

	case SchemeOffsetXOR:
		if p.DummySize <= 0 {
			return nil, &ConfigError{Scheme: p.Scheme, Reason: "dummy size must be positive"}
		}
		if err := requireKeys(p, 1); err != nil {
			return nil, err
		}
		return &offsetXORCodec{
			offset: offsetCodec{size: p.DummySize, seed: p.Seed},
			xor:    xorCodec{key: p.Keys[0]},
		}, nil

	case SchemeHeadTailXOR2:
		if err := requireKeys(p, 2); err != nil {
			return nil, err
		}
		return &headTailCodec{scheme: p.Scheme, head: p.Keys[0], tail: p.Keys[0], jumps: []byte{p.Keys[1]}}, nil

	case SchemeHeadTailXOR4:
		if err := requireKeys(p, 4); err != nil {
			return nil, err
		}
		return &headTailCodec{scheme: p.Scheme, head: p.Keys[0], tail: p.Keys[1], jumps: []byte{p.Keys[2], p.Keys[3]}}, nil

	case SchemeAES:
		if p.Passphrase == "" {
			return nil, &ConfigError{Scheme: p.Scheme, Reason: "passphrase is required"}
		}
		return newAESCodec([]byte(p.Passphrase), kdf)

	case SchemeChaCha20:
		if p.Passphrase == "" {
			return nil, &ConfigError{Scheme: p.Scheme, Reason: "passphrase is required"}
		}
		return newChaChaCodec([]byte(p.Passphrase), p.Counter, kdf), nil

	case SchemeXXTEA:
		if p.Passphrase == "" {
			return nil, &ConfigError{Scheme: p.Scheme, Reason: "passphrase is required"}
		}
		return newXXTEACodec([]byte(p.Passphrase)), nil

	default:
		return nil, &ConfigError{Scheme: p.Scheme, Reason: "unsupported scheme"}
	}
}

func requireKeys(p Params, n int) error {
	if len(p.Keys) < n {
		return &ConfigError{Scheme: p.Scheme, Reason: fmt.Sprintf("%d key byte(s) required, got %d", n, len(p.Keys))}
	}
	for i := 0; i < n; i++ {
		if p.Keys[i] == 0 {
			return &ConfigError{Scheme: p.Scheme, Reason: fmt.Sprintf("key %d is empty", i)}
		}
	}
	return nil
}

type noneCodec struct{}

func (noneCodec) Scheme() Scheme { return SchemeNone }

func (noneCodec) Encrypt(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (noneCodec) Decrypt(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (noneCodec) DecryptReader(r io.Reader, _ int64) (io.Reader, error) {
	return r, nil
}
