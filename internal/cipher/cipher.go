// Package cipher implements the symmetric transform applied to claim documents
// at rest. The on-disk layout is a 16-byte random IV followed by AES-CBC
// ciphertext with PKCS#7 padding. There is no authentication tag.
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

const chunkSize = 64 << 10

var (
	// ErrCrypto is the parent of every failure produced while decrypting.
	ErrCrypto = errors.New("cipher: crypto failure")
	// ErrInvalidKey is returned by New for keys that are not 16, 24 or 32 bytes.
	ErrInvalidKey = errors.New("cipher: key must be 16, 24 or 32 bytes")

	errTruncated  = fmt.Errorf("%w: ciphertext truncated", ErrCrypto)
	errMisaligned = fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrCrypto)
	errPadding    = fmt.Errorf("%w: invalid padding", ErrCrypto)
)

// Engine encrypts and decrypts with one process-wide key.
type Engine struct {
	block stdcipher.Block
}

// New builds an Engine from the UTF-8 bytes of key.
func New(key string) (*Engine, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &Engine{block: block}, nil
}

// Encrypt writes a fresh IV followed by the padded ciphertext of src to dst.
func (e *Engine) Encrypt(dst io.Writer, src io.Reader) error {
	bs := e.block.BlockSize()
	iv := make([]byte, bs)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("cipher: generate iv: %w", err)
	}
	if _, err := dst.Write(iv); err != nil {
		return err
	}
	enc := stdcipher.NewCBCEncrypter(e.block, iv)

	buf := make([]byte, chunkSize+bs)
	for {
		n, err := io.ReadFull(src, buf[:chunkSize])
		switch {
		case err == nil:
			enc.CryptBlocks(buf[:n], buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			// Final short chunk: full blocks plus padding fit in buf.
			out := pad(buf[:n], bs)
			enc.CryptBlocks(out, out)
			_, werr := dst.Write(out)
			return werr
		default:
			return err
		}
	}
}

// Decrypt reads an IV-prefixed ciphertext from src and writes the plaintext to dst.
// Because padding is only known once the last block arrives, the tail of the
// stream is held back; on error dst may already hold a prefix of the plaintext
// and callers must discard it.
func (e *Engine) Decrypt(dst io.Writer, src io.Reader) error {
	bs := e.block.BlockSize()
	iv := make([]byte, bs)
	if _, err := io.ReadFull(src, iv); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errTruncated
		}
		return fmt.Errorf("%w: read iv: %v", ErrCrypto, err)
	}
	dec := stdcipher.NewCBCDecrypter(e.block, iv)

	cur := make([]byte, chunkSize)
	next := make([]byte, chunkSize)
	n, err := io.ReadFull(src, cur)
	if errors.Is(err, io.EOF) {
		return errTruncated
	}
	for {
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: read: %v", ErrCrypto, err)
		}
		if n%bs != 0 {
			return errMisaligned
		}
		if err != nil {
			// cur holds the final, short chunk.
			return finish(dst, dec, cur[:n], bs)
		}
		m, nerr := io.ReadFull(src, next)
		if errors.Is(nerr, io.EOF) {
			return finish(dst, dec, cur[:n], bs)
		}
		dec.CryptBlocks(cur[:n], cur[:n])
		if _, werr := dst.Write(cur[:n]); werr != nil {
			return werr
		}
		cur, next = next, cur
		n, err = m, nerr
	}
}

func finish(dst io.Writer, dec stdcipher.BlockMode, last []byte, bs int) error {
	dec.CryptBlocks(last, last)
	plain, err := unpad(last, bs)
	if err != nil {
		return err
	}
	_, err = dst.Write(plain)
	return err
}

// EncryptFile encrypts plainPath into cipherPath, creating or truncating it.
// plainPath is left untouched; cipherPath is removed if encryption fails.
func (e *Engine) EncryptFile(plainPath, cipherPath string) error {
	in, err := os.Open(plainPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(cipherPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return e.streamInto(out, cipherPath, func(w io.Writer) error { return e.Encrypt(w, in) })
}

// DecryptFile decrypts cipherPath into plainPath. On any failure plainPath is removed.
func (e *Engine) DecryptFile(cipherPath, plainPath string) error {
	in, err := os.Open(cipherPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(plainPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return e.streamInto(out, plainPath, func(w io.Writer) error { return e.Decrypt(w, in) })
}

// EncryptTo encrypts src into an already opened file. The file is closed and
// removed at path when encryption fails.
func (e *Engine) EncryptTo(out *os.File, path string, src io.Reader) error {
	return e.streamInto(out, path, func(w io.Writer) error { return e.Encrypt(w, src) })
}

func (e *Engine) streamInto(out *os.File, path string, fn func(io.Writer) error) error {
	err := fn(out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// EncryptString returns base64(IV || ciphertext) of the UTF-8 bytes of s.
func (e *Engine) EncryptString(s string) (string, error) {
	var buf bytes.Buffer
	if err := e.Encrypt(&buf, bytes.NewReader([]byte(s))); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecryptString reverses EncryptString.
func (e *Engine) DecryptString(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrCrypto, err)
	}
	var buf bytes.Buffer
	if err := e.Decrypt(&buf, bytes.NewReader(raw)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

func unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 || len(b)%bs != 0 {
		return nil, errPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > bs {
		return nil, errPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errPadding
		}
	}
	return b[:len(b)-n], nil
}
