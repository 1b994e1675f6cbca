package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"uswsusp/internal/werr"
)

// saltSize is the CFB IV/salt material size, matching
// internal/header.ImageHeader's Salt field.
const saltSize = 16

// CryptoContext holds the session key and salt for one image's
// encryption, threaded explicitly through the supervisor and pipeline
// rather than living as global cipher state (spec.md §9: "Global
// cipher handle and key material ... become an explicit CryptoContext
// passed by reference").
type CryptoContext struct {
	key  []byte
	salt [saltSize]byte
}

// NewCryptoContext derives a session key and random salt. If rsaKey is
// non-nil, a fresh random AES-256 key is generated and wrapped for
// rsaKey (RSA mode); otherwise key is derived directly from
// passphrase (direct mode), per spec.md §4.4.
func NewCryptoContext(passphrase []byte, rsaKey *rsa.PublicKey) (*CryptoContext, []byte, error) {
	c := &CryptoContext{}

	if _, err := rand.Read(c.salt[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: generating salt: %w", werr.ErrCrypto, err)
	}

	if rsaKey != nil {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, fmt.Errorf("%w: generating session key: %w", werr.ErrCrypto, err)
		}

		c.key = key

		wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaKey, key, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: wrapping session key: %w", werr.ErrCrypto, err)
		}

		return c, wrapped, nil
	}

	c.key = deriveKey(passphrase)

	return c, nil, nil
}

// OpenCryptoContext reconstructs a CryptoContext for decryption, given
// the header's salt and the session key. key is used as the AES key
// as given; no passphrase derivation is applied to it.
func OpenCryptoContext(salt [saltSize]byte, key []byte) *CryptoContext {
	return &CryptoContext{key: key, salt: salt}
}

// UnwrapKey inverts the RSA wrap in NewCryptoContext, recovering the
// session key from the header's encrypted_key field.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping session key: %w", werr.ErrCrypto, err)
	}

	return key, nil
}

// deriveKey turns a passphrase into a fixed-size AES-256 key. This is
// a stand-in for the original's libgcrypt-backed key stretching,
// which spec.md §1 treats as an out-of-scope external collaborator;
// sha256 is used here only to fix the key length, not as a KDF with
// tunable work factor.
func deriveKey(passphrase []byte) []byte {
	sum := sha256.Sum256(passphrase)

	return sum[:]
}

// Salt returns the context's IV/salt material, for storing in the
// image header.
func (c *CryptoContext) Salt() [saltSize]byte { return c.salt }

// pageIV derives a per-page initialization vector by XORing the
// context's salt with the page index, per spec.md §4.4 ("IV derived
// from a random salt XORed with an initial vector"). This makes every
// page independently decryptable, matching the page-granular pipeline.
func (c *CryptoContext) pageIV(pageIndex uint64) [saltSize]byte {
	iv := c.salt

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], pageIndex)

	for i := range idx {
		iv[saltSize-8+i] ^= idx[i]
	}

	return iv
}

// EncryptPage encrypts one page in CFB mode into a new buffer.
// pageIndex is the page's position in the written (post-compression)
// stream; DecryptPage must be given the same index.
func (c *CryptoContext) EncryptPage(plain []byte, pageIndex uint64) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %w", werr.ErrCrypto, err)
	}

	iv := c.pageIV(pageIndex)
	stream := cipher.NewCFBEncrypter(block, iv[:])

	out := make([]byte, len(plain))
	stream.XORKeyStream(out, plain)

	return out, nil
}

// DecryptPage inverts EncryptPage.
func (c *CryptoContext) DecryptPage(ciphertext []byte, pageIndex uint64) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %w", werr.ErrCrypto, err)
	}

	iv := c.pageIV(pageIndex)
	stream := cipher.NewCFBDecrypter(block, iv[:])

	out := make([]byte, len(ciphertext))
	stream.XORKeyStream(out, ciphertext)

	return out, nil
}
