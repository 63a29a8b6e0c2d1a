package cipher

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
)

// offsetCodec prefixes the payload with seeded dummy bytes
type offsetCodec struct {
	size int
	seed int64
}

func (c *offsetCodec) Scheme() Scheme { return SchemeOffset }

func (c *offsetCodec) dummy() []byte {
	rng := rand.New(rand.NewSource(c.seed))
	buf := make([]byte, c.size)
	for i := range buf {
		buf[i] = byte(rng.Intn(256))
	}
	return buf
}

func (c *offsetCodec) Encrypt(data []byte) ([]byte, error) {
	out := make([]byte, 0, c.size+len(data))
	out = append(out, c.dummy()...)
	return append(out, data...), nil
}

func (c *offsetCodec) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.size {
		return nil, fmt.Errorf("%w: %d bytes shorter than %d byte prefix", ErrCorrupt, len(data), c.size)
	}
	return append([]byte(nil), data[c.size:]...), nil
}

func (c *offsetCodec) DecryptReader(r io.Reader, _ int64) (io.Reader, error) {
	return &skipReader{r: r, remaining: int64(c.size)}, nil
}

// skipReader discards a fixed prefix before yielding data
type skipReader struct {
	r         io.Reader
	remaining int64
}

func (s *skipReader) Read(p []byte) (int, error) {
	if s.remaining > 0 {
		n, err := io.CopyN(io.Discard, s.r, s.remaining)
		s.remaining -= n
		if err != nil {
			if err == io.EOF {
				return 0, fmt.Errorf("%w: stream ended inside prefix", ErrCorrupt)
			}
			return 0, err
		}
	}
	return s.r.Read(p)
}

// xorCodec XORs every byte with a single key byte
type xorCodec struct {
	key byte
}

func (c *xorCodec) Scheme() Scheme { return SchemeXOR }

func (c *xorCodec) Encrypt(data []byte) ([]byte, error) {
	return c.apply(data), nil
}

func (c *xorCodec) Decrypt(data []byte) ([]byte, error) {
	return c.apply(data), nil
}

func (c *xorCodec) apply(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key
	}
	return out
}

func (c *xorCodec) DecryptReader(r io.Reader, _ int64) (io.Reader, error) {
	return &maskReader{r: r, mask: func(int64) byte { return c.key }}, nil
}

// offsetXORCodec prefixes dummy bytes and then XORs the whole buffer
type offsetXORCodec struct {
	offset offsetCodec
	xor    xorCodec
}

func (c *offsetXORCodec) Scheme() Scheme { return SchemeOffsetXOR }

func (c *offsetXORCodec) Encrypt(data []byte) ([]byte, error) {
	padded, err := c.offset.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return c.xor.apply(padded), nil
}

func (c *offsetXORCodec) Decrypt(data []byte) ([]byte, error) {
	return c.offset.Decrypt(c.xor.apply(data))
}

func (c *offsetXORCodec) DecryptReader(r io.Reader, size int64) (io.Reader, error) {
	unmasked, err := c.xor.DecryptReader(r, size)
	if err != nil {
		return nil, err
	}
	return c.offset.DecryptReader(unmasked, size)
}

// headTailCodec XORs the first and last byte with their own keys and every
// odd interior byte with the jump keys in rotation. Positions do not depend on
// content, so the transform is its own inverse.
type headTailCodec struct {
	scheme Scheme
	head   byte
	tail   byte
	jumps  []byte
}

func (c *headTailCodec) Scheme() Scheme { return c.scheme }

// mask returns the key byte applied at pos in a buffer of length n
func (c *headTailCodec) mask(pos, n int64) byte {
	var m byte
	if pos == 0 {
		m ^= c.head
	}
	if pos == n-1 {
		m ^= c.tail
	}
	if pos > 0 && pos < n-1 && pos%2 == 1 {
		m ^= c.jumps[(pos/2)%int64(len(c.jumps))]
	}
	return m
}

func (c *headTailCodec) apply(data []byte) []byte {
	n := int64(len(data))
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.mask(int64(i), n)
	}
	return out
}

func (c *headTailCodec) Encrypt(data []byte) ([]byte, error) {
	return c.apply(data), nil
}

func (c *headTailCodec) Decrypt(data []byte) ([]byte, error) {
	return c.apply(data), nil
}

func (c *headTailCodec) DecryptReader(r io.Reader, size int64) (io.Reader, error) {
	if size < 0 {
		// The tail position is unknown without a length
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(c.apply(data)), nil
	}
	return &maskReader{r: r, mask: func(pos int64) byte { return c.mask(pos, size) }}, nil
}

// maskReader XORs each byte with a position dependent key
type maskReader struct {
	r    io.Reader
	pos  int64
	mask func(pos int64) byte
}

func (m *maskReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] ^= m.mask(m.pos)
		m.pos++
	}
	return n, err
}
