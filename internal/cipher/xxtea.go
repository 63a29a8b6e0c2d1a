package cipher

import (
	"bytes"
	"fmt"
	"io"
)

const xxteaDelta = 0x9E3779B9

// xxteaCodec is Corrected Block TEA over the whole buffer. The plaintext
// length is stored in the trailing word, so any input length round-trips.
type xxteaCodec struct {
	key []uint32
}

func newXXTEACodec(passphrase []byte) *xxteaCodec {
	k := make([]byte, 16)
	copy(k, passphrase)
	return &xxteaCodec{key: toWords(k, false)}
}

func (c *xxteaCodec) Scheme() Scheme { return SchemeXXTEA }

func (c *xxteaCodec) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	v := toWords(data, true)
	xxteaEncrypt(v, c.key)
	out, err := fromWords(v, false)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *xxteaCodec) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	if len(data)%4 != 0 || len(data) < 8 {
		return nil, fmt.Errorf("%w: xxtea length %d", ErrCorrupt, len(data))
	}
	v := toWords(data, false)
	xxteaDecrypt(v, c.key)
	return fromWords(v, true)
}

// DecryptReader buffers the whole stream: XXTEA mixes every word of the block.
func (c *xxteaCodec) DecryptReader(r io.Reader, _ int64) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(data)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(plain), nil
}

func toWords(b []byte, withLength bool) []uint32 {
	length := uint32(len(b))
	n := length >> 2
	if length&3 != 0 {
		n++
	}
	var v []uint32
	if withLength {
		v = make([]uint32, n+1)
		v[n] = length
	} else {
		v = make([]uint32, n)
	}
	for i := uint32(0); i < length; i++ {
		v[i>>2] |= uint32(b[i]) << ((i & 3) << 3)
	}
	return v
}

func fromWords(v []uint32, withLength bool) ([]byte, error) {
	length := uint32(len(v))
	n := length << 2
	if withLength {
		m := v[length-1]
		n -= 4
		if m+3 < n || m > n {
			return nil, fmt.Errorf("%w: xxtea length word out of range", ErrCorrupt)
		}
		n = m
	}
	b := make([]byte, n)
	for i := uint32(0); i < n; i++ {
		b[i] = byte(v[i>>2] >> ((i & 3) << 3))
	}
	return b, nil
}

func xxteaMX(sum, y, z, p, e uint32, k []uint32) uint32 {
	return ((z>>5 ^ y<<2) + (y>>3 ^ z<<4)) ^ ((sum ^ y) + (k[p&3^e] ^ z))
}

func xxteaEncrypt(v, k []uint32) {
	length := uint32(len(v))
	n := length - 1
	var y, z, sum, e, p uint32
	z = v[n]
	for q := 6 + 52/length; q > 0; q-- {
		sum += xxteaDelta
		e = sum >> 2 & 3
		for p = 0; p < n; p++ {
			y = v[p+1]
			v[p] += xxteaMX(sum, y, z, p, e, k)
			z = v[p]
		}
		y = v[0]
		v[n] += xxteaMX(sum, y, z, p, e, k)
		z = v[n]
	}
}

func xxteaDecrypt(v, k []uint32) {
	length := uint32(len(v))
	n := length - 1
	var y, z, e, p uint32
	y = v[0]
	q := 6 + 52/length
	for sum := q * xxteaDelta; sum != 0; sum -= xxteaDelta {
		e = sum >> 2 & 3
		for p = n; p > 0; p-- {
			z = v[p-1]
			v[p] -= xxteaMX(sum, y, z, p, e, k)
			y = v[p]
		}
		z = v[n]
		v[0] -= xxteaMX(sum, y, z, p, e, k)
		y = v[0]
	}
}
