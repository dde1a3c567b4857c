// Package codec builds and verifies the signed claims exchanged at each
// protocol phase. It is side-effect free: all inputs arrive as arguments and
// verification never mutates state, which keeps it trivially testable.
package codec

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
)

// Codec produces and verifies evidence records. Evidence older than ttl is
// rejected on verify so replayed claims from abandoned sessions cannot be
// reused.
type Codec struct {
	ttl   time.Duration
	clock func() time.Time
}

// Option configures a Codec instance.
type Option func(*Codec)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(c *Codec) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New constructs a Codec with the given evidence TTL.
func New(ttl time.Duration, opts ...Option) *Codec {
	c := &Codec{ttl: ttl, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// HashPayload canonically marshals the payload and returns its SHA-256 hex
// digest. The payload itself never travels in cleartext; only the hash and a
// reference are carried.
func HashPayload(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal evidence payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Produce hashes the payload and signs a claim that the given action occurred
// at the given phase.
func (c *Codec) Produce(sessionID id.SessionID, phase models.Phase, actor models.Role, payload any, key ed25519.PrivateKey) (models.Evidence, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return models.Evidence{}, err
	}

	ev := models.Evidence{
		SessionID:   sessionID,
		Phase:       phase,
		ActorRole:   actor,
		PayloadHash: hash,
		Timestamp:   c.clock().UTC(),
	}
	ev.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, evidenceDigest(ev)))
	return ev, nil
}

// Verify checks an evidence record against the expected phase and actor using
// the actor's known public key. It returns false, never an error, on signature
// mismatch, phase mismatch, actor mismatch, or expired evidence.
func (c *Codec) Verify(ev models.Evidence, expectedPhase models.Phase, expectedActor models.Role, key ed25519.PublicKey) bool {
	if ev.Phase != expectedPhase || ev.ActorRole != expectedActor {
		return false
	}
	if c.ttl > 0 && c.clock().Sub(ev.Timestamp) > c.ttl {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(ev.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, evidenceDigest(ev), sig)
}

// evidenceDigest builds the deterministic byte string an evidence signature
// covers. Field order is fixed; timestamps are RFC3339Nano UTC.
func evidenceDigest(ev models.Evidence) []byte {
	var b strings.Builder
	b.WriteString(ev.SessionID.String())
	b.WriteString("\n")
	b.WriteString(string(ev.Phase))
	b.WriteString("\n")
	b.WriteString(string(ev.ActorRole))
	b.WriteString("\n")
	b.WriteString(ev.PayloadHash)
	b.WriteString("\n")
	b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(b.String()))
	return sum[:]
}

// SignMessage signs all fields of a protocol message except the signature
// itself and returns the message with Signature populated.
func SignMessage(msg models.ProtocolMessage, key ed25519.PrivateKey) (models.ProtocolMessage, error) {
	digest, err := messageDigest(msg)
	if err != nil {
		return models.ProtocolMessage{}, err
	}
	msg.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, digest))
	return msg, nil
}

// VerifyMessage checks a protocol message signature against the sender's
// public key.
func VerifyMessage(msg models.ProtocolMessage, key ed25519.PublicKey) bool {
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return false
	}
	digest, err := messageDigest(msg)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, digest, sig)
}

func messageDigest(msg models.ProtocolMessage) ([]byte, error) {
	msg.Signature = ""
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	prefix := msg.SessionID.String() + ":" + strconv.FormatUint(msg.Nonce, 10) + ":"
	sum := sha256.Sum256(append([]byte(prefix), b...))
	return sum[:], nil
}
