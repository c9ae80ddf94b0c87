package keysource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/mosh-tickets/sponsor-relay/internal/config"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestFromHex(t *testing.T) {
	for _, raw := range []string{testKeyHex, "0x" + testKeyHex, "  0x" + testKeyHex + "\n"} {
		k, err := FromHex(raw)
		if err != nil {
			t.Fatalf("FromHex(%q): %v", raw, err)
		}
		if k.Address != crypto.PubkeyToAddress(k.Private.PublicKey) {
			t.Errorf("address does not match key")
		}
	}
}

func TestFromHex_Invalid(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "zz" + testKeyHex[2:]} {
		if _, err := FromHex(raw); err == nil {
			t.Errorf("FromHex(%q): expected error", raw)
		}
	}
}

func TestFromKeystore(t *testing.T) {
	priv, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	blob, err := keystore.EncryptKey(key, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sponsor.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Load(config.SponsorConfig{KeystorePath: path, KeystorePassword: "hunter2"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Address != key.Address {
		t.Errorf("address: got %s want %s", got.Address.Hex(), key.Address.Hex())
	}

	if _, err := FromKeystore(path, "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestLoad_NothingConfigured(t *testing.T) {
	if _, err := Load(config.SponsorConfig{}); err == nil {
		t.Error("expected error")
	}
}
