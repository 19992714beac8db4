// Package crypto encrypts finished backup archives with AES-256-GCM before
// they leave the database host. The format is self-describing: a magic header
// carries the KDF salt, and the payload is a sequence of independently
// sealed chunks so multi-gigabyte archives never need to fit in memory.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

const (
	KeySize   = 32 // AES-256
	SaltSize  = 32
	NonceSize = 12
	ChunkSize = 64 * 1024

	Magic   = "BHL1"
	Version = 1

	kdfIterations = 600_000
)

// Keyring resolves the encryption key from either a passphrase or a raw key
// file. A key file wins when both are set.
type Keyring struct {
	raw        []byte
	passphrase string
}

func NewKeyring(passphrase, keyFile string) (*Keyring, error) {
	if passphrase == "" && keyFile == "" {
		return nil, apperrors.New(apperrors.TypeSecurity, "encryption requires a passphrase or key file",
			"Set encryption.passphrase or encryption.key_file.")
	}
	k := &Keyring{passphrase: passphrase}
	if keyFile != "" {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to read key file", "")
		}
		if len(raw) != KeySize {
			// Any key material works; hash it down to the cipher size.
			h := sha256.Sum256(raw)
			raw = h[:]
		}
		k.raw = raw
	}
	return k, nil
}

func (k *Keyring) key(salt []byte) []byte {
	if k.raw != nil {
		return k.raw
	}
	return pbkdf2.Key([]byte(k.passphrase), salt, kdfIterations, KeySize, sha256.New)
}

// EncryptWriter seals plaintext into the archive format as it is written.
type EncryptWriter struct {
	w   io.Writer
	gcm cipher.AEAD
	buf []byte
	err error
}

func NewEncryptWriter(w io.Writer, k *Keyring) (*EncryptWriter, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	gcm, err := newGCM(k.key(salt))
	if err != nil {
		return nil, err
	}

	// Header: magic (4) + version (1) + salt (32).
	header := append([]byte(Magic), Version)
	header = append(header, salt...)
	if _, err := w.Write(header); err != nil {
		return nil, err
	}

	return &EncryptWriter{w: w, gcm: gcm, buf: make([]byte, 0, ChunkSize)}, nil
}

func (ew *EncryptWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	n := len(p)
	for len(p) > 0 {
		space := ChunkSize - len(ew.buf)
		if space > len(p) {
			ew.buf = append(ew.buf, p...)
			break
		}
		ew.buf = append(ew.buf, p[:space]...)
		p = p[space:]
		if err := ew.seal(); err != nil {
			ew.err = err
			return 0, err
		}
	}
	return n, nil
}

// Close flushes the final partial chunk. It does not close the underlying
// writer.
func (ew *EncryptWriter) Close() error {
	if ew.err != nil {
		return ew.err
	}
	return ew.seal()
}

func (ew *EncryptWriter) seal() error {
	if len(ew.buf) == 0 {
		return nil
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := ew.gcm.Seal(nil, nonce, ew.buf, nil)

	// Chunk framing: nonce (12) + ciphertext length (4) + ciphertext.
	frame := make([]byte, NonceSize+4)
	copy(frame, nonce)
	binary.BigEndian.PutUint32(frame[NonceSize:], uint32(len(ciphertext)))
	if _, err := ew.w.Write(frame); err != nil {
		return err
	}
	if _, err := ew.w.Write(ciphertext); err != nil {
		return err
	}
	ew.buf = ew.buf[:0]
	return nil
}

// DecryptReader streams plaintext out of the archive format.
type DecryptReader struct {
	r      io.Reader
	keys   *Keyring
	gcm    cipher.AEAD
	buf    []byte
	pos    int
	opened bool
	err    error
}

func NewDecryptReader(r io.Reader, k *Keyring) *DecryptReader {
	return &DecryptReader{r: r, keys: k}
}

func (dr *DecryptReader) Read(p []byte) (int, error) {
	if dr.err != nil {
		return 0, dr.err
	}
	if !dr.opened {
		if err := dr.readHeader(); err != nil {
			dr.err = err
			return 0, err
		}
		dr.opened = true
	}
	if dr.pos >= len(dr.buf) {
		if err := dr.nextChunk(); err != nil {
			dr.err = err
			return 0, err
		}
	}
	n := copy(p, dr.buf[dr.pos:])
	dr.pos += n
	return n, nil
}

func (dr *DecryptReader) readHeader() error {
	head := make([]byte, len(Magic)+1+SaltSize)
	if _, err := io.ReadFull(dr.r, head); err != nil {
		return fmt.Errorf("failed to read encryption header: %w", err)
	}
	if string(head[:len(Magic)]) != Magic {
		return apperrors.New(apperrors.TypeSecurity, "not an encrypted backup: magic mismatch", "")
	}
	if head[len(Magic)] != Version {
		return apperrors.New(apperrors.TypeSecurity, fmt.Sprintf("unsupported encryption format version %d", head[len(Magic)]), "")
	}

	salt := head[len(Magic)+1:]
	gcm, err := newGCM(dr.keys.key(salt))
	if err != nil {
		return err
	}
	dr.gcm = gcm
	return nil
}

func (dr *DecryptReader) nextChunk() error {
	frame := make([]byte, NonceSize+4)
	if _, err := io.ReadFull(dr.r, frame); err != nil {
		return err // io.EOF at a chunk boundary is a clean end
	}
	length := binary.BigEndian.Uint32(frame[NonceSize:])
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(dr.r, ciphertext); err != nil {
		return fmt.Errorf("truncated encrypted chunk: %w", err)
	}

	plaintext, err := dr.gcm.Open(nil, frame[:NonceSize], ciphertext, nil)
	if err != nil {
		return apperrors.New(apperrors.TypeSecurity, "decryption failed: wrong key or tampered data",
			"Check the passphrase or key file.")
	}
	dr.buf = plaintext
	dr.pos = 0
	return nil
}

// EncryptFile seals src into dst. dst is written via a temp file and renamed.
func EncryptFile(src, dst string, k *Keyring) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	ew, err := NewEncryptWriter(out, k)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(ew, in); err != nil {
		out.Close()
		return err
	}
	if err := ew.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// DecryptFile opens src and streams the plaintext into dst.
func DecryptFile(src, dst string, k *Keyring) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if _, err := io.Copy(out, NewDecryptReader(in, k)); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
