package policy

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SpendTracker keeps a rolling window of sponsored spend per subject in a
// Redis sorted set. Members are "<uuid>:<wei>", scored by unix-millisecond time.
type SpendTracker struct {
	rdb      *redis.Client
	window   time.Duration
	maxSpend *big.Int // zero disables the amount cap
	maxCalls int64    // zero disables the count cap
	now      func() time.Time
}

func NewSpendTracker(rdb *redis.Client, window time.Duration, maxSpend *big.Int, maxCalls int64) *SpendTracker {
	if maxSpend == nil {
		maxSpend = new(big.Int)
	}
	return &SpendTracker{rdb: rdb, window: window, maxSpend: maxSpend, maxCalls: maxCalls, now: time.Now}
}

// WindowUsage is the subject's current window total.
type WindowUsage struct {
	Spent *big.Int
	Calls int64
}

// Reserve adds amount to the subject's window and then checks the caps. A
// reservation that breaks a cap is removed again and ok is false. Because the
// member is written before the sum is read, two concurrent reservations can
// both be rejected but never both accepted past the cap.
func (s *SpendTracker) Reserve(ctx context.Context, subject common.Address, amount *big.Int) (ticket string, ok bool, err error) {
	if amount == nil {
		amount = new(big.Int)
	}
	key := spendKey(subject)
	now := s.now()
	ticket = uuid.NewString() + ":" + amount.String()

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-s.window).UnixMilli(), 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: ticket})
		p.Expire(ctx, key, s.window)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reserve spend: %w", err)
	}

	usage, err := s.usageAt(ctx, subject, now)
	if err != nil {
		return "", false, err
	}
	over := (s.maxSpend.Sign() > 0 && usage.Spent.Cmp(s.maxSpend) > 0) ||
		(s.maxCalls > 0 && usage.Calls > s.maxCalls)
	if over {
		if err := s.Release(ctx, subject, ticket); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return ticket, true, nil
}

// Release drops a reservation, e.g. after a failed submission.
func (s *SpendTracker) Release(ctx context.Context, subject common.Address, ticket string) error {
	if ticket == "" {
		return nil
	}
	if err := s.rdb.ZRem(ctx, spendKey(subject), ticket).Err(); err != nil {
		return fmt.Errorf("release spend: %w", err)
	}
	return nil
}

// Charge replaces a reservation's amount with the final cost (value plus gas
// actually burned), keeping its original timestamp.
func (s *SpendTracker) Charge(ctx context.Context, subject common.Address, ticket string, total *big.Int) error {
	if ticket == "" || total == nil {
		return nil
	}
	key := spendKey(subject)
	score, err := s.rdb.ZScore(ctx, key, ticket).Result()
	if err == redis.Nil {
		// Aged out of the window already.
		return nil
	}
	if err != nil {
		return fmt.Errorf("charge spend: %w", err)
	}
	id, _, _ := strings.Cut(ticket, ":")
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, key, ticket)
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: id + ":" + total.String()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("charge spend: %w", err)
	}
	return nil
}

// Usage sums the subject's window.
func (s *SpendTracker) Usage(ctx context.Context, subject common.Address) (WindowUsage, error) {
	return s.usageAt(ctx, subject, s.now())
}

func (s *SpendTracker) usageAt(ctx context.Context, subject common.Address, now time.Time) (WindowUsage, error) {
	members, err := s.rdb.ZRangeByScore(ctx, spendKey(subject), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Add(-s.window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return WindowUsage{}, fmt.Errorf("read spend window: %w", err)
	}
	u := WindowUsage{Spent: new(big.Int), Calls: int64(len(members))}
	for _, m := range members {
		_, amt, found := strings.Cut(m, ":")
		if !found {
			continue
		}
		if n, ok := new(big.Int).SetString(amt, 10); ok {
			u.Spent.Add(u.Spent, n)
		}
	}
	return u, nil
}
