package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"authhub.org/internal/ids"
)

const rsaKeyBits = 2048

// generateSigningKey creates a fresh RSA keypair with a new kid.
func generateSigningKey(now time.Time) (*SigningKey, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: mustMarshalPKCS8(priv),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	key := &SigningKey{
		Kid:        ids.New(),
		Status:     KeyActive,
		PrivatePEM: string(privPEM),
		PublicPEM:  string(pubPEM),
		CreatedAt:  now.UTC(),
	}
	return key, priv, nil
}

func mustMarshalPKCS8(priv *rsa.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		// rsa keys always marshal; reaching here means memory corruption.
		panic(err)
	}
	return der
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// JWKS renders the published key set: public material for every key that is
// still valid for verification (active and retiring, never retired).
func (s *Service) JWKS(ctx context.Context) ([]byte, error) {
	keys, err := s.keys.Verifiable(ctx)
	if err != nil {
		return nil, err
	}
	set := jwkSet{Keys: make([]jwk, 0, len(keys))}
	for _, k := range keys {
		pub, err := parsePublicKey(k.PublicPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", k.Kid, err)
		}
		set.Keys = append(set.Keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: k.Kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return json.Marshal(set)
}

// RotateKeys installs a fresh active signing key, demoting the previous one
// to retiring for the configured overlap window. Rotations are serialized;
// the hot verification path is never locked exclusively.
func (s *Service) RotateKeys(ctx context.Context) (string, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	key, priv, err := generateSigningKey(s.now())
	if err != nil {
		return "", err
	}
	if err := s.keys.Rotate(ctx, key, s.rotateOverlap); err != nil {
		return "", fmt.Errorf("persist rotation: %w", err)
	}
	if err := s.reloadKeyring(ctx, key, priv); err != nil {
		return "", err
	}
	return key.Kid, nil
}

// reloadKeyring refreshes the in-memory verification set. When active and
// priv are non-nil they become the signing key without a store round-trip.
func (s *Service) reloadKeyring(ctx context.Context, active *SigningKey, priv *rsa.PrivateKey) error {
	if active == nil {
		stored, err := s.keys.Active(ctx)
		if err != nil {
			return err
		}
		parsed, err := parsePrivateKey(stored.PrivatePEM)
		if err != nil {
			return fmt.Errorf("parse active key %s: %w", stored.Kid, err)
		}
		active, priv = stored, parsed
	}
	verifiable, err := s.keys.Verifiable(ctx)
	if err != nil {
		return err
	}
	verify := make(map[string]*rsa.PublicKey, len(verifiable))
	for _, k := range verifiable {
		pub, err := parsePublicKey(k.PublicPEM)
		if err != nil {
			return fmt.Errorf("parse public key %s: %w", k.Kid, err)
		}
		verify[k.Kid] = pub
	}
	// The active key always verifies its own signatures even if the store
	// listing lags behind a concurrent rotation.
	verify[active.Kid] = &priv.PublicKey

	s.mu.Lock()
	s.activeKid = active.Kid
	s.signKey = priv
	s.verifyKeys = verify
	s.mu.Unlock()
	return nil
}
