package cipher

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testKey)
	require.NoError(t, err)
	return e
}

func TestNewRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "short", strings.Repeat("k", 17), strings.Repeat("k", 33)} {
		_, err := New(key)
		require.ErrorIs(t, err, ErrInvalidKey, "key length %d", len(key))
	}
	for _, n := range []int{16, 24, 32} {
		_, err := New(strings.Repeat("k", n))
		require.NoError(t, err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	e := newEngine(t)
	sizes := []int{0, 1, 15, 16, 17, 1000, chunkSize - 1, chunkSize, chunkSize + 1, 2*chunkSize + 5}
	for _, size := range sizes {
		plain := make([]byte, size)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		var sealed bytes.Buffer
		require.NoError(t, e.Encrypt(&sealed, bytes.NewReader(plain)))
		assert.Equal(t, 0, (sealed.Len()-16)%16, "size %d", size)
		assert.Greater(t, sealed.Len(), size+15, "size %d", size)

		var opened bytes.Buffer
		require.NoError(t, e.Decrypt(&opened, bytes.NewReader(sealed.Bytes())), "size %d", size)
		assert.True(t, bytes.Equal(plain, opened.Bytes()), "size %d", size)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	e := newEngine(t)
	a, err := e.EncryptString("same input")
	require.NoError(t, err)
	b, err := e.EncryptString("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestStringRoundTrip(t *testing.T) {
	e := newEngine(t)
	for _, s := range []string{"", "Sensitive Data", "Ünïcödé ✓ claims", strings.Repeat("x", 5000)} {
		sealed, err := e.EncryptString(s)
		require.NoError(t, err)
		opened, err := e.DecryptString(sealed)
		require.NoError(t, err)
		assert.Equal(t, s, opened)
	}
}

func TestDecryptStringRejectsGarbage(t *testing.T) {
	e := newEngine(t)
	_, err := e.DecryptString("not base64!!")
	require.ErrorIs(t, err, ErrCrypto)
	_, err = e.DecryptString("AAAA")
	require.ErrorIs(t, err, ErrCrypto)
}

func TestDecryptTruncated(t *testing.T) {
	e := newEngine(t)
	plain := bytes.Repeat([]byte("A"), 64)
	var sealed bytes.Buffer
	require.NoError(t, e.Encrypt(&sealed, bytes.NewReader(plain)))
	raw := sealed.Bytes()

	cases := map[string][]byte{
		"empty":         nil,
		"partial iv":    raw[:5],
		"iv only":       raw[:16],
		"misaligned":    raw[:len(raw)-3],
		"missing block": raw[:len(raw)-16],
	}
	for name, input := range cases {
		var out bytes.Buffer
		err := e.Decrypt(&out, bytes.NewReader(input))
		require.ErrorIs(t, err, ErrCrypto, name)
	}
}

func TestFileRoundTrip(t *testing.T) {
	e := newEngine(t)
	sizes := []int{0, 1, 15, 16, 17, chunkSize - 1, chunkSize, chunkSize + 1, 2 << 20}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			dir := t.TempDir()
			plainPath := filepath.Join(dir, "timesheet.pdf")
			cipherPath := filepath.Join(dir, "timesheet.pdf.enc")
			outPath := filepath.Join(dir, "timesheet.out")

			plain := make([]byte, size)
			_, err := rand.Read(plain)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(plainPath, plain, 0o600))

			require.NoError(t, e.EncryptFile(plainPath, cipherPath))
			_, err = os.Stat(plainPath)
			require.NoError(t, err, "plaintext source must be left in place")

			info, err := os.Stat(cipherPath)
			require.NoError(t, err)
			assert.Equal(t, int64(16+(size/16+1)*16), info.Size())

			require.NoError(t, e.DecryptFile(cipherPath, outPath))
			got, err := os.ReadFile(outPath)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plain, got))
		})
	}
}

func TestDecryptFileRemovesOutputOnFailure(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	cipherPath := filepath.Join(dir, "broken.enc")
	outPath := filepath.Join(dir, "broken.out")
	require.NoError(t, os.WriteFile(cipherPath, []byte("tiny"), 0o600))

	err := e.DecryptFile(cipherPath, outPath)
	require.ErrorIs(t, err, ErrCrypto)
	_, err = os.Stat(outPath)
	assert.True(t, os.IsNotExist(err), "partial plaintext left behind")
}

func TestEncryptFileMissingSource(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	err := e.EncryptFile(filepath.Join(dir, "absent"), filepath.Join(dir, "absent.enc"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "absent.enc"))
	assert.True(t, os.IsNotExist(statErr))
}
