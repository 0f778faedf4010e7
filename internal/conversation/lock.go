package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// ErrDispatchBusy means another dispatch already holds the owner's instance.
var ErrDispatchBusy = errors.New("conversation: dispatch already running for owner")

// ErrLockTimeout means the reply lock could not be acquired in time.
var ErrLockTimeout = errors.New("conversation: reply lock timeout")

const (
	replyLockTTL     = 30 * time.Second
	replyLockWait    = 10 * time.Second
	replyLockRetryIn = 100 * time.Millisecond
	dispatchLockTTL  = 30 * time.Minute
)

// release only deletes the key while our token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serializes inbound handling per (owner, phone) and enforces the
// one-dispatch-per-owner rule, both backed by redis SETNX.
type Locker struct {
	rdb    *redis.Client
	tracer trace.Tracer
	logger *logging.Logger
}

// NewLocker builds a Locker.
func NewLocker(rdb *redis.Client, logger *logging.Logger) *Locker {
	if rdb == nil {
		panic("conversation: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Locker{
		rdb:    rdb,
		tracer: otel.Tracer("confirma.internal.conversation.locker"),
		logger: logger,
	}
}

// AcquireReply blocks until the per-(owner, phone) lock is held, the wait
// budget runs out, or ctx is done. The returned func releases the lock.
func (l *Locker) AcquireReply(ctx context.Context, ownerID uuid.UUID, phone string) (func(), error) {
	ctx, span := l.tracer.Start(ctx, "conversation.locker.acquire_reply")
	defer span.End()

	key := fmt.Sprintf("reply:%s:%s", ownerID, phone)
	token := uuid.NewString()
	deadline := time.Now().Add(replyLockWait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, replyLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("conversation: acquire reply lock: %w", err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(replyLockRetryIn):
		}
	}
}

// TryAcquireDispatch takes the per-owner dispatch lock without waiting. The
// messaging instance must not be driven by two dispatches at once.
func (l *Locker) TryAcquireDispatch(ctx context.Context, ownerID uuid.UUID) (func(), error) {
	ctx, span := l.tracer.Start(ctx, "conversation.locker.acquire_dispatch")
	defer span.End()

	key := fmt.Sprintf("dispatch:%s", ownerID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, dispatchLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: acquire dispatch lock: %w", err)
	}
	if !ok {
		return nil, ErrDispatchBusy
	}
	return func() { l.release(key, token) }, nil
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("failed to release lock", "error", err, "key", key)
	}
}
