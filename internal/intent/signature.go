package intent

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature is a split secp256k1 signature. V is kept as received (27/28 from
// wallets, 0/1 from some libraries); range checks belong to the verifier.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Bytes returns R || S || V.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// SignatureFromBytes splits a 65-byte R || S || V signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != 65 {
		return Signature{}, errors.New("invalid signature length")
	}
	var s Signature
	copy(s.R[:], b[0:32])
	copy(s.S[:], b[32:64])
	s.V = b[64]
	return s, nil
}

// Sign signs the EIP-191 hash of digest, producing V in {27,28} like a wallet's
// personal_sign.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) (Signature, error) {
	hash := SignedHash(digest)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return Signature{}, err
	}
	sig[64] += 27
	return SignatureFromBytes(sig)
}

// WireSignature is the JSON shape {v, r, s} sent by clients. V may be a JSON
// number or a decimal/0x-hex string.
type WireSignature struct {
	V json.RawMessage `json:"v"`
	R string          `json:"r"`
	S string          `json:"s"`
}

// Wire converts s to its JSON form.
func (s Signature) Wire() *WireSignature {
	return &WireSignature{
		V: json.RawMessage(strconv.Itoa(int(s.V))),
		R: "0x" + hex.EncodeToString(s.R[:]),
		S: "0x" + hex.EncodeToString(s.S[:]),
	}
}

// Parse validates field presence and shape. It does not check that the values
// form a valid signature.
func (w *WireSignature) Parse() (Signature, error) {
	if w == nil {
		return Signature{}, errors.New("signature is required")
	}
	raw := strings.TrimSpace(string(w.V))
	if raw == "" || raw == "null" {
		return Signature{}, errors.New("signature.v is required")
	}
	if w.R == "" || w.S == "" {
		return Signature{}, errors.New("signature.r and signature.s are required")
	}
	v, err := parseV(raw)
	if err != nil {
		return Signature{}, err
	}
	var sig Signature
	sig.V = v
	if err := decodeWord(w.R, &sig.R); err != nil {
		return Signature{}, fmt.Errorf("signature.r: %w", err)
	}
	if err := decodeWord(w.S, &sig.S); err != nil {
		return Signature{}, fmt.Errorf("signature.s: %w", err)
	}
	return sig, nil
}

func parseV(raw string) (uint8, error) {
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	n, err := strconv.ParseUint(raw, base, 8)
	if err != nil {
		return 0, fmt.Errorf("signature.v out of range: %q", raw)
	}
	return uint8(n), nil
}

func decodeWord(s string, out *[32]byte) error {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return fmt.Errorf("expected 32 bytes of hex, got %d chars", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	copy(out[:], b)
	return nil
}
