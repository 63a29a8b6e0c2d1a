package bundle

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/bundlesync/internal/cipher"
)

func codecs(t *testing.T) map[string]cipher.Codec {
	t.Helper()
	params := []cipher.Params{
		{Scheme: cipher.SchemeNone},
		{Scheme: cipher.SchemeOffset, DummySize: 5, Seed: 7},
		{Scheme: cipher.SchemeXOR, Keys: []byte{0x5a}},
		{Scheme: cipher.SchemeHeadTailXOR4, Keys: []byte{1, 2, 3, 4}},
		{Scheme: cipher.SchemeAES, Passphrase: "hunter2"},
		{Scheme: cipher.SchemeChaCha20, Passphrase: "hunter2", Counter: 1},
		{Scheme: cipher.SchemeXXTEA, Passphrase: "hunter2"},
		{Scheme: cipher.SchemeOffsetXOR, DummySize: 3, Keys: []byte{0x33}},
	}
	out := make(map[string]cipher.Codec)
	for _, p := range params {
		c, err := cipher.New(p)
		require.NoError(t, err, p.Scheme.String())
		out[p.Scheme.String()] = c
	}
	return out
}

func TestOpenDecryptsStoredBundle(t *testing.T) {
	plain := bytes.Repeat([]byte("bundle payload "), 500)

	for name, codec := range codecs(t) {
		t.Run(name, func(t *testing.T) {
			sealed, err := codec.Encrypt(plain)
			require.NoError(t, err)

			p := filepath.Join(t.TempDir(), "ui", "atlas.bundle")
			require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
			require.NoError(t, os.WriteFile(p, sealed, 0644))

			got, err := ReadAll(p, codec)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plain, got))
		})
	}
}

func TestDirResolvesNames(t *testing.T) {
	root := t.TempDir()
	codec, err := cipher.New(cipher.Params{Scheme: cipher.SchemeXOR, Keys: []byte{0x11}})
	require.NoError(t, err)

	sealed, err := codec.Encrypt([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "maps"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "maps", "world.bundle"), sealed, 0644))

	d := NewDir(root, codec)
	got, err := d.ReadFile("maps/world.bundle")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	rc, err := d.Open("maps/world.bundle")
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	for _, bad := range []string{"", "../etc/passwd", "/abs", "a/../../b", "a\\b"} {
		_, err := d.Path(bad)
		assert.Error(t, err, bad)
	}

	_, err = d.ReadFile("missing.bundle")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenCorruptBundle(t *testing.T) {
	codec, err := cipher.New(cipher.Params{Scheme: cipher.SchemeAES, Passphrase: "hunter2"})
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "broken.bundle")
	require.NoError(t, os.WriteFile(p, []byte("not a multiple of the block size!"), 0644))

	_, err = ReadAll(p, codec)
	assert.True(t, errors.Is(err, cipher.ErrCorrupt))
}

func TestEncryptDecryptFile(t *testing.T) {
	dir := t.TempDir()
	codec, err := cipher.New(cipher.Params{Scheme: cipher.SchemeChaCha20, Passphrase: "hunter2"})
	require.NoError(t, err)

	src := filepath.Join(dir, "plain.bin")
	require.NoError(t, os.WriteFile(src, []byte("secret content"), 0644))

	sealed := filepath.Join(dir, "out", "sealed.bin")
	require.NoError(t, EncryptFile(src, sealed, codec))

	raw, err := os.ReadFile(sealed)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret content"), raw)

	opened := filepath.Join(dir, "opened.bin")
	require.NoError(t, DecryptFile(sealed, opened, codec))
	got, err := os.ReadFile(opened)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret content"), got)

	assert.Error(t, EncryptFile(filepath.Join(dir, "missing"), sealed, codec))
}
