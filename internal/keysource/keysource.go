// Package keysource loads the sponsor signing key.
//
// Two sources are supported, checked in order:
//  1. a raw hex private key (RELAYER_PRIVATE_KEY), with or without "0x"
//  2. an encrypted JSON keystore file (SPONSOR_KEYSTORE) and its password
package keysource

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mosh-tickets/sponsor-relay/internal/config"
)

// Key is the loaded sponsor key and its derived address.
type Key struct {
	Private *ecdsa.PrivateKey
	Address common.Address
}

// Load resolves the sponsor key from cfg.
func Load(cfg config.SponsorConfig) (*Key, error) {
	if cfg.PrivateKey != "" {
		return FromHex(cfg.PrivateKey)
	}
	if cfg.KeystorePath != "" {
		return FromKeystore(cfg.KeystorePath, cfg.KeystorePassword)
	}
	return nil, fmt.Errorf("keysource: no sponsor key configured")
}

func FromHex(raw string) (*Key, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("keysource: private key must be a 32-byte hex string (got %d chars)", len(keyHex))
	}
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("keysource: parse private key: %w", err)
	}
	return &Key{Private: priv, Address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

func FromKeystore(path, password string) (*Key, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keysource: read keystore %s: %w", path, err)
	}
	k, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("keysource: decrypt keystore: %w", err)
	}
	return &Key{Private: k.PrivateKey, Address: k.Address}, nil
}
