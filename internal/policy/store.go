package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	nonceKeyPrefix = "relay:nonce:"
	spendKeyPrefix = "relay:spend:"
)

func nonceKey(subject common.Address, nonce *big.Int) string {
	return nonceKeyPrefix + strings.ToLower(subject.Hex()) + ":" + nonce.String()
}

func spendKey(subject common.Address) string {
	return spendKeyPrefix + strings.ToLower(subject.Hex())
}

// ClaimNonce marks (subject, nonce) used until ttl elapses. Returns false
// when the pair was already claimed.
func ClaimNonce(ctx context.Context, rdb *redis.Client, subject common.Address, nonce *big.Int, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := rdb.SetNX(ctx, nonceKey(subject, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}
