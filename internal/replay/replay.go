// Package replay flags gateway callbacks that have already been delivered.
// Detection is diagnostic: a duplicate still receives the verdict its
// signature earns, the dispatcher only adds a reason to the event record.
package replay

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/paytrail-merchant/internal/common"
)

const keyPrefix = "paytrail:cb:"

// Detector reports whether a callback fingerprint was seen before.
type Detector interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
}

// Guard is a Redis backed Detector using SET NX with a TTL.
type Guard struct {
	R   redis.Cmdable
	TTL time.Duration
}

// Seen marks fingerprint as delivered and reports whether it already was.
func (g Guard) Seen(ctx context.Context, fingerprint string) (bool, error) {
	if g.R == nil {
		return false, errors.New("replay: redis client not configured")
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	fresh, err := g.R.SetNX(ctx, keyPrefix+fingerprint, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

// Nop never reports duplicates. Used when Redis is not configured.
type Nop struct{}

// Seen implements Detector.
func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }

// Fingerprint derives the detector key for a callback from its signature and
// exact body bytes.
func Fingerprint(signature string, body []byte) string {
	return common.Sha256Hex([]byte(signature), body)
}
