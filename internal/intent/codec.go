// Package intent builds the digests users sign to authorize sponsored actions.
// The relay and every client (web or the Go fallback orchestrator) must use
// exactly this encoding; a single byte of drift breaks every signature.
package intent

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// callDomain tags generic-call digests so they can never collide with a role digest.
const callDomain = "relayTransaction"

var (
	stringT  = mustType("string")
	addressT = mustType("address")
	bytes32T = mustType("bytes32")
	uint256T = mustType("uint256")

	roleArgs = abi.Arguments{{Type: stringT}, {Type: addressT}}

	// (domain, contractType, functionName, calldataHash, value, subject, nonce, deadline, chainId)
	callArgs = abi.Arguments{
		{Type: stringT}, {Type: stringT}, {Type: stringT},
		{Type: bytes32T}, {Type: uint256T}, {Type: addressT},
		{Type: uint256T}, {Type: uint256T}, {Type: uint256T},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// RoleIntent is a signed request to register Subject with Role.
type RoleIntent struct {
	Role      Role
	Subject   common.Address
	Signature Signature
}

// Digest returns RoleDigest(r.Role.Action(), r.Subject).
func (r RoleIntent) Digest() (common.Hash, error) {
	action := r.Role.Action()
	if action == "" {
		return common.Hash{}, fmt.Errorf("role %s is not registrable", r.Role)
	}
	return RoleDigest(action, r.Subject), nil
}

// RoleDigest is keccak256(abi.encode(string action, address subject)).
func RoleDigest(action string, subject common.Address) common.Hash {
	encoded, err := roleArgs.Pack(action, subject)
	if err != nil {
		// string + address always pack
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// CallIntent is a signed request to invoke FunctionName on ContractType.
// Calldata is the ABI-packed call; only its hash enters the digest.
type CallIntent struct {
	ContractType string
	FunctionName string
	Calldata     []byte
	Value        *big.Int
	Subject      common.Address
	Nonce        *big.Int
	Deadline     int64
	Signature    Signature
}

// CallDigest hashes a generic call intent bound to chainID.
func CallDigest(c CallIntent, chainID *big.Int) (common.Hash, error) {
	if c.Nonce == nil || c.Nonce.Sign() < 0 {
		return common.Hash{}, errors.New("nonce is required")
	}
	if c.Deadline <= 0 {
		return common.Hash{}, errors.New("deadline is required")
	}
	if chainID == nil {
		return common.Hash{}, errors.New("chain id is required")
	}
	value := c.Value
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return common.Hash{}, errors.New("value must not be negative")
	}
	encoded, err := callArgs.Pack(
		callDomain,
		c.ContractType,
		c.FunctionName,
		[32]byte(crypto.Keccak256Hash(c.Calldata)),
		value,
		c.Subject,
		c.Nonce,
		big.NewInt(c.Deadline),
		chainID,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode call intent: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// SignedHash applies the EIP-191 personal-message prefix to a 32-byte digest:
// keccak256("\x19Ethereum Signed Message:\n32" || digest).
func SignedHash(digest common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), digest[:])
}
