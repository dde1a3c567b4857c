package jwtauth

import (
	"crosslock/pkg/domerrors"

	"golang.org/x/crypto/bcrypt"
)

// Credentials holds the registered API clients and their bcrypt-hashed
// secrets. The set is fixed at startup; there is no runtime registration.
type Credentials struct {
	hashes map[string][]byte
}

func NewCredentials() *Credentials {
	return &Credentials{hashes: make(map[string][]byte)}
}

// Register stores a client secret, hashing it with bcrypt.
func (c *Credentials) Register(clientID, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.hashes[clientID] = hash
	return nil
}

// Authenticate checks a client secret against the stored hash. Unknown
// clients and wrong secrets fail identically.
func (c *Credentials) Authenticate(clientID, secret string) error {
	hash, ok := c.hashes[clientID]
	if !ok {
		// Unknown clients take the same comparison path.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return domerrors.New(domerrors.CodeUnauthorized, "invalid client credentials")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return domerrors.New(domerrors.CodeUnauthorized, "invalid client credentials")
	}
	return nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("crosslock-dummy"), bcrypt.MinCost)
