// storage/encrypted.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	u "github.com/mmp/bkcas/util"
	"golang.org/x/crypto/pbkdf2"
)

/*
Encrypted object layout:
- 16 bytes of random salt for key derivation
- 16 bytes of random IV / nonce
- the ciphertext

The 32-byte AES key is derived from the passphrase and salt with
100,000 rounds of PBKDF2-HMAC-SHA256. A fresh salt and IV are used for
every object.
*/

// Encryption modes, as recorded in the "encryption" metadata of each
// object.
const (
	EncryptionNone = "none"
	// AES-256-GCM with a 16-byte nonce; the authentication tag is
	// appended to the ciphertext.
	EncryptionAESGCM = "aes256-gcm"
	// AES-256-CBC with PKCS7 padding.
	EncryptionAESCBC = "aes256"
)

const (
	saltLength       = 16
	ivLength         = aes.BlockSize
	kdfIterations    = 100000
	keyLength        = 32
	encryptionHeader = saltLength + ivLength
)

// ValidEncryption reports whether mode is a known encryption mode.
func ValidEncryption(mode string) bool {
	switch mode {
	case EncryptionNone, EncryptionAESGCM, EncryptionAESCBC:
		return true
	}
	return false
}

// Encrypt encrypts plaintext with a key derived from passphrase using the
// given mode.
func Encrypt(mode string, plaintext []byte, passphrase u.Secret) ([]byte, error) {
	switch mode {
	case EncryptionNone:
		return plaintext, nil
	case EncryptionAESGCM, EncryptionAESCBC:
	default:
		return nil, errors.Newf("%s: unknown encryption mode", mode)
	}
	if passphrase.Empty() {
		return nil, errors.New("encryption requires a passphrase")
	}

	header, err := getRandomBytes(encryptionHeader)
	if err != nil {
		return nil, err
	}
	salt, iv := header[:saltLength], header[saltLength:]
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	if mode == EncryptionAESGCM {
		aead, err := cipher.NewGCMWithNonceSize(block, ivLength)
		if err != nil {
			return nil, err
		}
		return aead.Seal(header, iv, plaintext, nil), nil
	}

	padded := pkcs7Pad(plaintext)
	out := make([]byte, encryptionHeader+len(padded))
	copy(out, header)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[encryptionHeader:], padded)
	return out, nil
}

// Decrypt inverts Encrypt. Malformed input, tampering, and (with GCM) a
// wrong passphrase give errors marked util.ErrIntegrity.
func Decrypt(mode string, blob []byte, passphrase u.Secret) ([]byte, error) {
	switch mode {
	case EncryptionNone:
		return blob, nil
	case EncryptionAESGCM, EncryptionAESCBC:
	default:
		return nil, u.Errorf(u.ErrIntegrity, "%s: unknown encryption mode", mode)
	}
	if passphrase.Empty() {
		return nil, errors.New("decryption requires a passphrase")
	}
	if len(blob) < encryptionHeader {
		return nil, u.Errorf(u.ErrIntegrity, "encrypted data too short (%d bytes)", len(blob))
	}

	salt, iv := blob[:saltLength], blob[saltLength:encryptionHeader]
	ciphertext := blob[encryptionHeader:]
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	if mode == EncryptionAESGCM {
		aead, err := cipher.NewGCMWithNonceSize(block, ivLength)
		if err != nil {
			return nil, err
		}
		plaintext, err := aead.Open(nil, iv, ciphertext, nil)
		if err != nil {
			return nil, u.Wrapf(u.ErrIntegrity, err, "wrong passphrase or corrupt data")
		}
		return plaintext, nil
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, u.Errorf(u.ErrIntegrity, "ciphertext length %d not a multiple of the block size",
			len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func deriveKey(passphrase u.Secret, salt []byte) []byte {
	return pbkdf2.Key(passphrase.Bytes(), salt, kdfIterations, keyLength, sha256.New)
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, u.Errorf(u.ErrIntegrity, "bad padding: wrong passphrase or corrupt data")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, u.Errorf(u.ErrIntegrity, "bad padding: wrong passphrase or corrupt data")
		}
	}
	return b[:len(b)-n], nil
}

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func getRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.Wrap(err, "random")
	}
	return b, nil
}
