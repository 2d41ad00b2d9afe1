package keycipher

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentDCA/internal/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New(testSecret)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		plaintext := crypto.FromECDSA(key)
		blob, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		opened, err := c.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("round trip mismatch")
		}

		restored, err := crypto.ToECDSA(opened)
		if err != nil {
			t.Fatalf("restore key: %v", err)
		}
		if crypto.PubkeyToAddress(restored.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
			t.Fatalf("derived address changed after round trip")
		}
	}
}

func TestEncryptUsesFreshSaltAndNonce(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("two encryptions produced identical blobs")
	}
	raw, _ := base64.StdEncoding.DecodeString(a)
	if len(raw) != SaltSize+NonceSize+len("same plaintext")+16 {
		t.Fatalf("unexpected blob length %d", len(raw))
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	c := newTestCipher(t)
	blob, err := c.Encrypt([]byte("secret key bytes"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)

	for _, offset := range []int{0, SaltSize, SaltSize + NonceSize, len(raw) - 1} {
		tampered := append([]byte(nil), raw...)
		tampered[offset] ^= 0x01
		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		if xerrors.CodeOf(err) != CodeAuthentication {
			t.Fatalf("offset %d: expected authentication failure, got %v", offset, err)
		}
	}
}

func TestDecryptWithOtherSecretFails(t *testing.T) {
	blob, err := newTestCipher(t).Encrypt([]byte("secret key bytes"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	other, err := New(strings.Repeat("z", MinSecretLength))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := other.Decrypt(blob); xerrors.CodeOf(err) != CodeAuthentication {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	c := newTestCipher(t)
	for _, blob := range []string{"", "not base64!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := c.Decrypt(blob); xerrors.CodeOf(err) != CodeMalformedBlob {
			t.Fatalf("blob %q: expected malformed error, got %v", blob, err)
		}
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	for _, secret := range []string{"", strings.Repeat("a", MinSecretLength-1)} {
		_, err := New(secret)
		if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
			t.Fatalf("secret of length %d: expected configuration error, got %v", len(secret), err)
		}
		if xerrors.ClassOf(err) != xerrors.ClassConfiguration {
			t.Fatalf("expected configuration class")
		}
	}
	if _, err := New(strings.Repeat("a", MinSecretLength)); err != nil {
		t.Fatalf("secret of minimum length rejected: %v", err)
	}
}
