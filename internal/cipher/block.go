package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

const streamChunk = 32 * 1024

// aesCodec is AES-256-CBC with PKCS7 padding
type aesCodec struct {
	block stdcipher.Block
	iv    []byte
}

func newAESCodec(passphrase []byte, kdf KeyDeriver) (*aesCodec, error) {
	block, err := aes.NewCipher(kdf.Key(passphrase, 32))
	if err != nil {
		return nil, &ConfigError{Scheme: SchemeAES, Reason: err.Error()}
	}
	return &aesCodec{block: block, iv: kdf.IV(passphrase, aes.BlockSize)}, nil
}

func (c *aesCodec) Scheme() Scheme { return SchemeAES }

func (c *aesCodec) Encrypt(data []byte) ([]byte, error) {
	padded := pkcs7Pad(data, aes.BlockSize)
	out := make([]byte, len(padded))
	stdcipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *aesCodec) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a positive multiple of %d", ErrCorrupt, len(data), aes.BlockSize)
	}
	out := make([]byte, len(data))
	stdcipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

func (c *aesCodec) DecryptReader(r io.Reader, _ int64) (io.Reader, error) {
	return &cbcReader{
		src:   r,
		mode:  stdcipher.NewCBCDecrypter(c.block, c.iv),
		chunk: make([]byte, streamChunk),
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+pad)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrCorrupt)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrCorrupt)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: invalid padding", ErrCorrupt)
		}
	}
	return data[:len(data)-pad], nil
}

// cbcReader decrypts CBC ciphertext incrementally, holding back the final
// block until EOF so padding can be stripped.
type cbcReader struct {
	src     io.Reader
	mode    stdcipher.BlockMode
	chunk   []byte
	out     []byte
	pending []byte
	err     error
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *cbcReader) fill() {
	bs := r.mode.BlockSize()
	n, err := io.ReadFull(r.src, r.chunk)
	if n > 0 {
		if n%bs != 0 {
			r.err = fmt.Errorf("%w: truncated block", ErrCorrupt)
			return
		}
		dec := make([]byte, n)
		r.mode.CryptBlocks(dec, r.chunk[:n])

		out := make([]byte, 0, len(r.pending)+n-bs)
		out = append(out, r.pending...)
		out = append(out, dec[:n-bs]...)
		r.out = out
		r.pending = dec[n-bs:]
	}

	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		if r.pending == nil {
			r.err = fmt.Errorf("%w: empty ciphertext", ErrCorrupt)
			return
		}
		last, uerr := pkcs7Unpad(r.pending, bs)
		if uerr != nil {
			r.err = uerr
			return
		}
		r.out = append(r.out, last...)
		r.pending = nil
		r.err = io.EOF
	default:
		r.err = err
	}
}

// chachaCodec is the raw ChaCha20 keystream with an explicit initial counter
type chachaCodec struct {
	key     []byte
	nonce   []byte
	counter uint32
}

func newChaChaCodec(passphrase []byte, counter uint32, kdf KeyDeriver) *chachaCodec {
	return &chachaCodec{
		key:     kdf.Key(passphrase, chacha20.KeySize),
		nonce:   kdf.IV(passphrase, chacha20.NonceSize),
		counter: counter,
	}
}

func (c *chachaCodec) Scheme() Scheme { return SchemeChaCha20 }

func (c *chachaCodec) stream() (*chacha20.Cipher, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.key, c.nonce)
	if err != nil {
		return nil, err
	}
	s.SetCounter(c.counter)
	return s, nil
}

func (c *chachaCodec) Encrypt(data []byte) ([]byte, error) {
	s, err := c.stream()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	s.XORKeyStream(out, data)
	return out, nil
}

func (c *chachaCodec) Decrypt(data []byte) ([]byte, error) {
	return c.Encrypt(data)
}

func (c *chachaCodec) DecryptReader(r io.Reader, _ int64) (io.Reader, error) {
	s, err := c.stream()
	if err != nil {
		return nil, err
	}
	return &stdcipher.StreamReader{S: s, R: r}, nil
}
