// Package keys is the per-address directory of encryption public keys.
package keys

import (
	"context"
	"sync"

	"mediaart.org/internal/protocol"
)

// Directory maps an address to its last registered public key.
type Directory struct {
	mu   sync.RWMutex
	keys map[protocol.Address][]byte
}

func NewDirectory() *Directory {
	return &Directory{keys: make(map[protocol.Address][]byte)}
}

// SetPublicKey stores key for caller, replacing any earlier key. The key is
// opaque; only emptiness is rejected.
func (d *Directory) SetPublicKey(ctx context.Context, caller protocol.Address, key []byte) error {
	if caller.IsZero() || len(key) == 0 {
		return protocol.ErrInvalidInput
	}
	d.mu.Lock()
	d.keys[caller] = append([]byte(nil), key...)
	d.mu.Unlock()
	return nil
}

// PublicKey returns the key registered by addr.
func (d *Directory) PublicKey(ctx context.Context, addr protocol.Address) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[addr]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return append([]byte(nil), key...), nil
}
