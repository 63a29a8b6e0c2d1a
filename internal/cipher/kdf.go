package cipher

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeyDeriver turns a passphrase into key and IV/nonce material
type KeyDeriver interface {
	Key(passphrase []byte, size int) []byte
	IV(passphrase []byte, size int) []byte
}

// NewKeyDeriver returns the deriver registered under name.
// The empty name selects the legacy deriver.
func NewKeyDeriver(name string) (KeyDeriver, error) {
	switch name {
	case "", "legacy":
		return legacyKDF{}, nil
	case "hkdf":
		return hkdfKDF{}, nil
	case "argon2id":
		return argon2KDF{}, nil
	default:
		return nil, fmt.Errorf("unknown kdf %q", name)
	}
}

// legacyKDF keys with SHA-256 and derives the IV from MD5, matching bundles
// produced by existing build pipelines.
type legacyKDF struct{}

func (legacyKDF) Key(passphrase []byte, size int) []byte {
	sum := sha256.Sum256(passphrase)
	return sum[:size]
}

func (legacyKDF) IV(passphrase []byte, size int) []byte {
	sum := md5.Sum(passphrase)
	return sum[:size]
}

type hkdfKDF struct{}

func (hkdfKDF) Key(passphrase []byte, size int) []byte {
	return hkdfExpand(passphrase, "bundlesync key", size)
}

func (hkdfKDF) IV(passphrase []byte, size int) []byte {
	return hkdfExpand(passphrase, "bundlesync iv", size)
}

func hkdfExpand(secret []byte, info string, size int) []byte {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	// An HKDF-SHA256 reader only fails past 255*32 bytes
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}

type argon2KDF struct{}

func (argon2KDF) Key(passphrase []byte, size int) []byte {
	return argon2.IDKey(passphrase, []byte("bundlesync-key"), 1, 64*1024, 4, uint32(size))
}

func (argon2KDF) IV(passphrase []byte, size int) []byte {
	return argon2.IDKey(passphrase, []byte("bundlesync-iv"), 1, 64*1024, 4, uint32(size))
}
