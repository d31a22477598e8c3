package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	jwk "github.com/lestrrat-go/jwx/v2/jwk"
)

var ErrInvalidKey = errors.New("keys: invalid RSA private key")

// ToolKey is the tool's RSA signing key together with its published JWK.
type ToolKey struct {
	kid     string
	private *rsa.PrivateKey
	public  jwk.Key
	set     jwk.Set
}

// Load parses a PEM encoded RSA key (PKCS#1 or PKCS#8).
func Load(pemStr, kid string) (*ToolKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if pkcs8, err2 := x509.ParsePKCS8PrivateKey(block.Bytes); err2 == nil {
		rk, ok := pkcs8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		key = rk
	} else {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err2)
	}
	return FromRSA(key, kid)
}

// Generate creates a fresh 2048-bit key. Meant for local development and tests.
func Generate(kid string) (*ToolKey, error) {
	gen, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return FromRSA(gen, kid)
}

// FromRSA wraps an existing key.
func FromRSA(key *rsa.PrivateKey, kid string) (*ToolKey, error) {
	jwkKey, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	_ = jwkKey.Set(jwk.KeyIDKey, kid)
	_ = jwkKey.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = jwkKey.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	if err := set.AddKey(jwkKey); err != nil {
		return nil, err
	}
	return &ToolKey{kid: kid, private: key, public: jwkKey, set: set}, nil
}

// PEM encodes the private key as PKCS#1, the format accepted by Load.
func (k *ToolKey) PEM() string {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k.private)}
	return string(pem.EncodeToMemory(block))
}

// Kid returns current key id.
func (k *ToolKey) Kid() string { return k.kid }

// PrivateKey returns the signing key.
func (k *ToolKey) PrivateKey() *rsa.PrivateKey { return k.private }

// PublicJWK returns the public half as a JWK.
func (k *ToolKey) PublicJWK() jwk.Key { return k.public }

// JWKSJSON returns the JWKS as JSON bytes.
func (k *ToolKey) JWKSJSON() ([]byte, error) {
	return json.Marshal(k.set)
}
