package wallet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/frand"
)

// EnvelopeVersion is the only supported encryption scheme.
const EnvelopeVersion = "x25519-xsalsa20-poly1305"

// KeySize is the length of x25519 public and private keys.
const KeySize = 32

var (
	ErrBadPublicKey = errors.New("wallet: public key must be 32 bytes")
	ErrBadEnvelope  = errors.New("wallet: malformed envelope")
	ErrDecrypt      = errors.New("wallet: decryption failed")
)

// Envelope is the JSON ciphertext format browser wallets exchange. Binary
// fields are standard base64.
type Envelope struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

// Seal encrypts plaintext to an x25519 public key with a fresh ephemeral key
// pair and returns the JSON envelope.
func Seal(pub, plaintext []byte) ([]byte, error) {
	if len(pub) != KeySize {
		return nil, ErrBadPublicKey
	}
	var peer [KeySize]byte
	copy(peer[:], pub)

	ephPub, ephPriv, err := box.GenerateKey(frand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wallet: ephemeral key: %w", err)
	}
	nonce := frand.Entropy192()
	sealed := box.Seal(nil, plaintext, &nonce, &peer, ephPriv)

	return json.Marshal(Envelope{
		Version:        EnvelopeVersion,
		Nonce:          base64.StdEncoding.EncodeToString(nonce[:]),
		EphemPublicKey: base64.StdEncoding.EncodeToString(ephPub[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	})
}

// open decrypts an envelope with the recipient's private key.
func open(priv *[KeySize]byte, data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrBadEnvelope
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrBadEnvelope, env.Version)
	}
	nonceRaw, err1 := base64.StdEncoding.DecodeString(env.Nonce)
	ephRaw, err2 := base64.StdEncoding.DecodeString(env.EphemPublicKey)
	sealed, err3 := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err := errors.Join(err1, err2, err3); err != nil || len(nonceRaw) != 24 || len(ephRaw) != KeySize {
		return nil, ErrBadEnvelope
	}
	var nonce [24]byte
	var eph [KeySize]byte
	copy(nonce[:], nonceRaw)
	copy(eph[:], ephRaw)

	plain, ok := box.Open(nil, sealed, &nonce, &eph, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Commit returns the Keccak-256 commitment of a resource locator, the value
// owners publish as the proposed URI hash and renters submit to confirm.
func Commit(uri string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(uri))
	return h.Sum(nil)
}
