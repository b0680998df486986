// pool/mirror_encrypted.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package pool

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"io/ioutil"

	"golang.org/x/crypto/pbkdf2"
)

// mirrorCipher implements at-rest encryption for blobs sent to the
// remote mirror. It is a direct adaptation of the key-derivation
// and CFB-stream scheme in the teacher's storage/encrypted.go, scoped
// down to just what the mirror needs: encrypt-before-upload,
// decrypt-after-download. Local pool blobs are never touched by this --
// DEL/MRG/MIG only ever need a blob's digest, not its plaintext, so
// there is no need to decrypt anything on the hot path.
type mirrorCipher struct {
	key []byte
}

const ivLength = aes.BlockSize

// newMirrorCipher derives a 32-byte AES key from passphrase via PBKDF2,
// the same 65536-round SHA256 recipe the teacher uses.
func newMirrorCipher(passphrase string, salt []byte) *mirrorCipher {
	key := pbkdf2.Key([]byte(passphrase), salt, 65536, 32, sha256.New)
	return &mirrorCipher{key: key}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// encrypt returns iv||ciphertext, mirroring the teacher's convention of
// prefixing the stored blob with its initialization vector.
func (c *mirrorCipher) encrypt(plaintext []byte) ([]byte, error) {
	iv, err := randomBytes(ivLength)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCFBEncrypter(block, iv)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return append(iv, ciphertext...), nil
}

func (c *mirrorCipher) decrypt(stored []byte) ([]byte, error) {
	if len(stored) < ivLength {
		return nil, io.ErrUnexpectedEOF
	}
	iv, ciphertext := stored[:ivLength], stored[ivLength:]
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCFBDecrypter(block, iv)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func readAll(r io.Reader) ([]byte, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return b, nil
}
