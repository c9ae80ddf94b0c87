package auth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func signRole(t *testing.T, key *ecdsa.PrivateKey, action string, subject common.Address) (common.Hash, intent.Signature) {
	t.Helper()
	digest := intent.RoleDigest(action, subject)
	sig, err := intent.Sign(digest, key)
	if err != nil {
		t.Fatal(err)
	}
	return digest, sig
}

func assertAuthError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errs.KindOf(err) != errs.KindAuthentication {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

// TestVerify_SignatureBinding is the core property: the subject's own key
// verifies, any other key over the same digest does not.
func TestVerify_SignatureBinding(t *testing.T) {
	userKey, user := newKey(t)
	otherKey, _ := newKey(t)

	for _, action := range []string{intent.ActionRegisterFan, intent.ActionRegisterMusician} {
		digest, sig := signRole(t, userKey, action, user)
		if err := Verify(digest, sig, user); err != nil {
			t.Errorf("%s: own key should verify: %v", action, err)
		}

		_, forged := signRole(t, otherKey, action, user)
		assertAuthError(t, Verify(digest, forged, user))
	}
}

func TestVerify_CaseInsensitiveAddress(t *testing.T) {
	key, user := newKey(t)
	digest, sig := signRole(t, key, intent.ActionRegisterFan, user)

	lower := common.HexToAddress(strings.ToLower(user.Hex()))
	if err := Verify(digest, sig, lower); err != nil {
		t.Fatalf("lowercased address should verify: %v", err)
	}
}

func TestVerify_WrongAction(t *testing.T) {
	key, user := newKey(t)
	_, sig := signRole(t, key, intent.ActionRegisterFan, user)

	// A fan signature must not authorize a musician registration.
	musician := intent.RoleDigest(intent.ActionRegisterMusician, user)
	assertAuthError(t, Verify(musician, sig, user))
}

func TestRecover_V0and1(t *testing.T) {
	key, user := newKey(t)
	digest, sig := signRole(t, key, intent.ActionRegisterFan, user)
	sig.V -= 27

	got, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if got != user {
		t.Errorf("got %s, want %s", got.Hex(), user.Hex())
	}
}

// TestRecover_MalformedFailsClosed covers out-of-range components: each must
// come back as an AuthenticationError, never a panic or a match.
func TestRecover_MalformedFailsClosed(t *testing.T) {
	key, user := newKey(t)
	digest, good := signRole(t, key, intent.ActionRegisterFan, user)

	secp256k1N := crypto.S256().Params().N
	var overN [32]byte
	secp256k1N.FillBytes(overN[:])

	var highS [32]byte
	halfN := new(big.Int).Rsh(secp256k1N, 1)
	halfN.Add(halfN, common.Big1)
	halfN.FillBytes(highS[:])

	cases := map[string]func(s *intent.Signature){
		"v=0x1d":   func(s *intent.Signature) { s.V = 29 },
		"v=2":      func(s *intent.Signature) { s.V = 2 },
		"v=255":    func(s *intent.Signature) { s.V = 255 },
		"r zero":   func(s *intent.Signature) { s.R = [32]byte{} },
		"s zero":   func(s *intent.Signature) { s.S = [32]byte{} },
		"r >= N":   func(s *intent.Signature) { s.R = overN },
		"s high":   func(s *intent.Signature) { s.S = highS },
		"all ones": func(s *intent.Signature) { s.R, s.S = allOnes(), allOnes() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sig := good
			mutate(&sig)
			addr, err := Recover(digest, sig)
			assertAuthError(t, err)
			if addr == user {
				t.Fatal("malformed signature recovered the real signer")
			}
			assertAuthError(t, Verify(digest, sig, user))
		})
	}
}

func TestVerify_MismatchIsNotUnwrappedAsNil(t *testing.T) {
	key, _ := newKey(t)
	_, other := newKey(t)
	digest, sig := signRole(t, key, intent.ActionRegisterFan, other)

	err := Verify(digest, sig, other)
	if !errors.Is(err, errInvalidSignature) {
		t.Fatalf("expected errInvalidSignature in chain, got %v", err)
	}
}

func allOnes() [32]byte {
	var b [32]byte
	for i := range b {
		b[i] = 0xff
	}
	return b
}
