// Package crypt is the at-rest stream cipher wrapper applied uniformly to
// the configuration document and every rule list.
package crypt

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt reports a stream that was not produced by this cipher, or by a
// cipher with a different secret.
var ErrDecrypt = errors.New("crypt: undecryptable stream")

const (
	magic     = "PDE1"
	checkLen  = 8
	nonceLen  = chacha20.NonceSizeX
	HeaderLen = len(magic) + checkLen + nonceLen

	hkdfInfo = "policyd at-rest v1"
)

// Cipher encrypts with XChaCha20 under a key derived from a shared secret.
// Layout: "PDE1" || key check (8) || nonce (24) || ciphertext.
type Cipher struct {
	key   [chacha20.KeySize]byte
	check [checkLen]byte
}

func New(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("crypt: empty secret")
	}

	c := &Cipher{}
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	_, err := io.ReadFull(kdf, c.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to derive key, err=%w", err)
	}
	_, err = io.ReadFull(kdf, c.check[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to derive key check, err=%w", err)
	}

	return c, nil
}

// EncryptStream writes the header to w and returns a writer that encrypts
// into w. Closing it closes w when w is an io.Closer.
func (c *Cipher) EncryptStream(w io.Writer) (io.WriteCloser, error) {
	var nonce [nonceLen]byte
	_, err := rand.Read(nonce[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to generate nonce, err=%w", err)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], nonce[:])
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, HeaderLen)
	header = append(header, magic...)
	header = append(header, c.check[:]...)
	header = append(header, nonce[:]...)
	_, err = w.Write(header)
	if err != nil {
		return nil, err
	}

	return &cipher.StreamWriter{S: stream, W: w}, nil
}

// DecryptStream consumes and checks the header from r; a foreign or
// truncated header yields ErrDecrypt.
func (c *Cipher) DecryptStream(r io.Reader) (io.Reader, error) {
	var header [HeaderLen]byte
	_, err := io.ReadFull(r, header[:])
	if err != nil {
		return nil, fmt.Errorf("%w: short header, err=%s", ErrDecrypt, err.Error())
	}

	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic %X", ErrDecrypt, header[:len(magic)])
	}
	if !bytes.Equal(header[len(magic):len(magic)+checkLen], c.check[:]) {
		return nil, fmt.Errorf("%w: key mismatch", ErrDecrypt)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], header[len(magic)+checkLen:])
	if err != nil {
		return nil, err
	}

	return &cipher.StreamReader{S: stream, R: r}, nil
}

func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderLen + len(plain))

	w, err := c.EncryptStream(&buf)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(plain)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	r, err := c.DecryptStream(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// WriteFile encrypts plain into path, replacing any previous file atomically.
func (c *Cipher) WriteFile(path string, plain []byte) error {
	return c.writeAtomic(path, func(w io.Writer) error {
		ew, err := c.EncryptStream(w)
		if err != nil {
			return err
		}
		_, err = ew.Write(plain)
		return err
	})
}

// EncryptFrom streams r into path encrypted, replacing any previous file
// atomically.
func (c *Cipher) EncryptFrom(path string, r io.Reader) error {
	return c.writeAtomic(path, func(w io.Writer) error {
		ew, err := c.EncryptStream(w)
		if err != nil {
			return err
		}
		_, err = io.Copy(ew, r)
		return err
	})
}

func (c *Cipher) ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := c.DecryptStream(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return io.ReadAll(r)
}

// DecryptFile writes the plaintext of src to dst.
func (c *Cipher) DecryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := c.DecryptStream(in)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, r)
	cerr := out.Close()
	if err != nil {
		os.Remove(dst)
		return err
	}
	return cerr
}

func (c *Cipher) writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	err = write(tmp)
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("crypt: failed to write %s, err=%w", path, err)
	}

	return nil
}
