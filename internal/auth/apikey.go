package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/wolfeidau/jobwatch/internal/models"
)

// Scope is the access level granted by an API key.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

func (s Scope) IsValid() bool {
	return s == ScopeRead || s == ScopeWrite
}

// Allows reports whether a key with scope s may perform an action requiring
// required. Write keys may also read.
func (s Scope) Allows(required Scope) bool {
	switch required {
	case ScopeRead:
		return s.IsValid()
	case ScopeWrite:
		return s == ScopeWrite
	default:
		return false
	}
}

// KeySigner issues and verifies namespace scoped API keys of the form
// "<namespace>:<scope>.<signature>", where signature is the base58 encoded
// HMAC-SHA256 of "<namespace>:<scope>".
type KeySigner struct {
	secret []byte
}

func NewKeySigner(secret string) (*KeySigner, error) {
	if secret == "" {
		return nil, errors.New("API key secret not provided")
	}
	return &KeySigner{secret: []byte(secret)}, nil
}

// Generate returns a key for namespace with the given scope.
func (s *KeySigner) Generate(namespace string, scope Scope) (string, error) {
	if !scope.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if !models.IsValidNamespace(namespace) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidNamespace, namespace)
	}

	payload := namespace + ":" + string(scope)
	return payload + "." + base58.Encode(s.sign(payload)), nil
}

// Verify checks the key signature and scope and returns the key's namespace.
func (s *KeySigner) Verify(apiKey string, required Scope) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("%w: missing API key", ErrUnauthenticated)
	}

	payload, encoded, ok := strings.Cut(apiKey, ".")
	if !ok || payload == "" || encoded == "" {
		return "", fmt.Errorf("%w: malformed API key", ErrUnauthenticated)
	}

	signature, err := base58.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: malformed API key signature", ErrUnauthenticated)
	}
	if !hmac.Equal(signature, s.sign(payload)) {
		return "", fmt.Errorf("%w: API key signature mismatch", ErrUnauthenticated)
	}

	namespace, scope, ok := strings.Cut(payload, ":")
	if !ok || namespace == "" {
		return "", fmt.Errorf("%w: API key has no namespace", models.ErrInvalidNamespace)
	}
	if !Scope(scope).Allows(required) {
		return "", fmt.Errorf("%w: scope %q does not allow %q", ErrUnauthorized, scope, required)
	}

	return namespace, nil
}

func (s *KeySigner) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
