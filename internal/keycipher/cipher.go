// Package keycipher wraps agent private keys at rest with a key derived from
// the server-held master secret.
//
// Every call to Encrypt derives a fresh AES-256 key with PBKDF2-SHA256 over a
// random salt and seals the plaintext with AES-GCM under a random nonce. The
// stored blob is base64(salt || nonce || ciphertext+tag). Decrypt fails closed:
// a malformed blob or a failed authentication tag is always an error.
package keycipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	xerrors "AgentDCA/internal/errors"
)

const (
	// Iterations is the PBKDF2 work factor.
	Iterations = 100_000
	// SaltSize is the per-blob salt length in bytes.
	SaltSize = 16
	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12
	// KeySize selects AES-256.
	KeySize = 32
	// MinSecretLength is the shortest master secret accepted at startup.
	MinSecretLength = 32
)

const (
	CodeMalformedBlob  xerrors.Code = "KEYCIPHER_MALFORMED_BLOB"
	CodeAuthentication xerrors.Code = "KEYCIPHER_AUTHENTICATION_FAILED"
)

func init() {
	xerrors.Register(CodeMalformedBlob, xerrors.Attributes{
		Message:  "encrypted key blob is malformed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Class:    xerrors.ClassDataCorruption,
	})
	xerrors.Register(CodeAuthentication, xerrors.Attributes{
		Message:  "encrypted key blob failed authentication",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Class:    xerrors.ClassDataCorruption,
	})
}

// Cipher seals and opens agent key material. It is safe for concurrent use.
type Cipher struct {
	secret []byte
	rand   io.Reader
}

// New validates the master secret and returns a Cipher. A missing or short
// secret is a configuration error and should stop the process.
func New(masterSecret string) (*Cipher, error) {
	if err := ValidateSecret(masterSecret); err != nil {
		return nil, err
	}
	return &Cipher{secret: []byte(masterSecret), rand: rand.Reader}, nil
}

// ValidateSecret reports whether the master secret is acceptable.
func ValidateSecret(masterSecret string) error {
	if masterSecret == "" {
		return xerrors.New(xerrors.CodeConfiguration, "未配置私钥加密主密钥")
	}
	if len(masterSecret) < MinSecretLength {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("私钥加密主密钥长度至少为 %d 个字符", MinSecretLength))
	}
	return nil
}

// Encrypt seals plaintext and returns the base64 blob.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "待加密内容不能为空")
	}
	buf := make([]byte, SaltSize+NonceSize)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "生成随机盐失败")
	}
	salt, nonce := buf[:SaltSize], buf[SaltSize:]

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	blob := append(buf, aead.Seal(nil, nonce, plaintext, nil)...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedBlob, err, "")
	}
	if len(raw) < SaltSize+NonceSize+16 {
		return nil, xerrors.New(CodeMalformedBlob, "encrypted key blob is too short")
	}
	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+NonceSize]
	sealed := raw[SaltSize+NonceSize:]

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeAuthentication, err, "")
	}
	return plaintext, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, Iterations, KeySize, sha256.New)
	defer clear(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "初始化 AES 失败")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "初始化 GCM 失败")
	}
	return aead, nil
}
