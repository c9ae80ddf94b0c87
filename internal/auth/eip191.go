// Package auth recovers and checks the signer of a signed intent.
package auth

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

var errInvalidSignature = errors.New("invalid signature")

// Recover extracts the signer address from a signature over the EIP-191 hash of
// digest. V may be {0,1} or {27,28}; out-of-range V, R or S (including high-S
// malleable forms) are rejected before recovery is attempted.
func Recover(digest common.Hash, sig intent.Signature) (common.Address, error) {
	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	v := sig.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, errs.Authentication("invalid signature", fmt.Errorf("v out of range: %d", sig.V))
	}

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, errs.Authentication("invalid signature", errors.New("r or s out of range"))
	}

	raw := sig.Bytes()
	raw[64] = v
	hash := intent.SignedHash(digest)

	pub, err := crypto.SigToPub(hash[:], raw)
	if err != nil {
		return common.Address{}, errs.Authentication("invalid signature", fmt.Errorf("ecrecover: %w", err))
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify fails with an AuthenticationError unless sig over digest recovers to claimed.
func Verify(digest common.Hash, sig intent.Signature, claimed common.Address) error {
	recovered, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	// common.Address compares raw bytes, so checksum casing never matters.
	if recovered != claimed {
		return errs.Authentication("signature does not match userAddress", errInvalidSignature)
	}
	return nil
}
