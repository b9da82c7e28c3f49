package sfu

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/wire"
)

// Token authenticates one client to a call. The MAC covers the canonical
// encoding of the remaining fields, keyed by a value both sides derive
// from their shared handshake secret. The SFU holds the derived token
// key, never the handshake secret itself.
type Token struct {
	CallID    string `cbor:"call_id"`
	ClientID  string `cbor:"client_id"`
	Timestamp int64  `cbor:"timestamp"`
	Nonce     []byte `cbor:"nonce"`
	MAC       []byte `cbor:"mac,omitempty"`
}

// DeriveTokenKey derives the per-(call, client) token key from a shared
// root secret. Client and SFU run the same derivation; no key travels.
func DeriveTokenKey(rootSecret [32]byte, callID, clientID string) ([32]byte, error) {
	context := []byte(callID + "/" + clientID)
	return crypto.DeriveKey32(rootSecret[:], nil, crypto.LabelSfuToken, context)
}

// MintToken computes the MAC for a token under the derived key. The
// caller supplies a fresh random nonce; reuse is rejected at verification.
func MintToken(key [32]byte, token Token) (Token, error) {
	mac, err := tokenMAC(key, token)
	if err != nil {
		return Token{}, err
	}
	token.MAC = mac
	return token, nil
}

// Authenticator verifies client tokens: MAC, timestamp skew, single-use
// nonce. Keys are registered per (call, client) at session setup.
type Authenticator struct {
	mu     sync.RWMutex
	keys   map[string][32]byte
	nonces *crypto.NonceCache
	clock  crypto.TimeProvider
	lim    limits.Limits
	logger *logrus.Logger
}

// NewAuthenticator builds an authenticator with an empty key table.
func NewAuthenticator(lim limits.Limits, clock crypto.TimeProvider) (*Authenticator, error) {
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	nonces, err := crypto.NewNonceCache(lim.NonceCacheCap, lim.NonceTTL, clock)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		keys:   make(map[string][32]byte),
		nonces: nonces,
		clock:  clock,
		lim:    lim,
		logger: logrus.StandardLogger(),
	}, nil
}

// RegisterKey installs the token key for a (call, client) pair.
func (a *Authenticator) RegisterKey(callID, clientID string, key [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[participantKey(callID, clientID)] = key
}

// DropKey removes a pair's key, ending its ability to authenticate.
func (a *Authenticator) DropKey(callID, clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, participantKey(callID, clientID))
}

// Verify checks a token and returns the decision. Order matters: an
// attacker must not learn whether a MAC was valid from the skew or replay
// checks, so the MAC is always checked first.
func (a *Authenticator) Verify(token Token) Decision {
	a.mu.RLock()
	key, ok := a.keys[participantKey(token.CallID, token.ClientID)]
	a.mu.RUnlock()
	if !ok {
		return a.denied(token, DenyImpersonation, "no key registered for client")
	}

	wantMAC, err := tokenMAC(key, token)
	if err != nil {
		return a.denied(token, DenyImpersonation, "token encoding failed")
	}
	if !hmac.Equal(wantMAC, token.MAC) {
		return a.denied(token, DenyImpersonation, "MAC mismatch")
	}

	now := a.clock.Now().Unix()
	skew := int64(a.lim.TokenSkew.Seconds())
	if token.Timestamp < now-skew || token.Timestamp > now+skew {
		return a.denied(token, DenyTokenExpired, fmt.Sprintf("timestamp %d outside skew", token.Timestamp))
	}

	if len(token.Nonce) == 0 || !a.nonces.CheckAndStore(token.Nonce) {
		return a.denied(token, DenyReplay, "nonce already used")
	}
	return accept()
}

func (a *Authenticator) denied(token Token, code DenialCode, detail string) Decision {
	a.logger.WithFields(logrus.Fields{
		"function":  "Verify",
		"call_id":   token.CallID,
		"client_id": token.ClientID,
		"code":      string(code),
	}).Warn("Token rejected")
	return deny(code, detail)
}

// tokenMAC computes HMAC-SHA256 over the canonical encoding of the token
// body with the MAC field stripped.
func tokenMAC(key [32]byte, token Token) ([]byte, error) {
	token.MAC = nil
	body, err := wire.EncodeCanonical(token)
	if err != nil {
		return nil, fmt.Errorf("token encoding failed: %w", err)
	}
	mac := hmac.New(sha256.New, key[:])
	mac.Write(body)
	return mac.Sum(nil), nil
}
