package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// SessionKeys holds the WireGuard key material for one session. Private
// halves never leave the secrets layer except through this struct, which
// callers must not persist.
type SessionKeys struct {
	SessionID        string
	ServerPrivateKey string // base64, stored under ServerKeyRef
	ServerPublicKey  string // base64, embedded in the client config
	ClientPrivateKey string // base64, delivered once via the client config
	ClientPublicKey  string // base64, configured as a peer on the server
	ServerKeyRef     string // provider storage key of the server private key
}

// generateSessionKeys creates server and client Curve25519 keypairs.
func generateSessionKeys(sessionID string) (*SessionKeys, error) {
	serverPriv, serverPub, err := newKeypair()
	if err != nil {
		return nil, fmt.Errorf("server keypair: %w", err)
	}
	clientPriv, clientPub, err := newKeypair()
	if err != nil {
		return nil, fmt.Errorf("client keypair: %w", err)
	}
	return &SessionKeys{
		SessionID:        sessionID,
		ServerPrivateKey: serverPriv,
		ServerPublicKey:  serverPub,
		ClientPrivateKey: clientPriv,
		ClientPublicKey:  clientPub,
	}, nil
}

// newKeypair generates one WireGuard-compatible Curve25519 keypair,
// returning base64-encoded private and public keys.
func newKeypair() (priv, pub string, err error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return "", "", err
	}

	// Clamp per the Curve25519 key format
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return "", "", err
	}

	return base64.StdEncoding.EncodeToString(private[:]),
		base64.StdEncoding.EncodeToString(public), nil
}
