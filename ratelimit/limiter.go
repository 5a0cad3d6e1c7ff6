// Package ratelimit implements the sliding per-minute/hour/day admission
// counters that gate scheduling and sending. It is backed
// directly by go-redis, the way middleware/sender_rate_limit.go backs
// fiber's request limiter, but used from workers rather than from HTTP
// middleware.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/coldpath/sequencer/utils"
)

// Default caps.
const (
	DefaultPerMinute            = 60
	DefaultPerHour              = 500
	DefaultPerDay               = 2000
	DefaultPerContactPerSeq     = 3
	DefaultPerSequence          = 1000
	BounceCooldown              = 24 * time.Hour
	GenericErrorCooldown        = 15 * time.Minute
)

// Caps bundles the configured admission limits for one scope evaluation.
// A zero value in any field disables that check.
type Caps struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Info reports the counters that fed an allow/deny decision, for logging
// and for SequenceHealth reporting.
type Info struct {
	Minute int
	Hour   int
	Day    int
}

// Limiter maintains sliding admission counters at user, (user,sequence),
// and (user,sequence,contact) scope, plus per-contact bounce/error
// cooldowns, on top of Redis INCR/EXPIRE.
type Limiter struct {
	rdb *redis.Client

	UserCaps            Caps
	SequenceCaps        Caps
	ContactCaps         Caps
	PerContactPerSeqCap int
	PerSequenceCap      int
}

// New returns a Limiter with the default caps. Callers override
// individual fields for tests or per-plan tiers.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{
		rdb:                 rdb,
		UserCaps:            Caps{PerMinute: DefaultPerMinute, PerHour: DefaultPerHour, PerDay: DefaultPerDay},
		SequenceCaps:        Caps{PerMinute: DefaultPerMinute, PerHour: DefaultPerHour, PerDay: DefaultPerDay},
		ContactCaps:         Caps{},
		PerContactPerSeqCap: DefaultPerContactPerSeq,
		PerSequenceCap:      DefaultPerSequence,
	}
}

func scopeKey(scope string, ids ...interface{}) string {
	key := "ratelimit:" + scope
	for _, id := range ids {
		key += fmt.Sprintf(":%v", id)
	}
	return key
}

// Check performs a non-blocking read of every scope's counters and reports
// whether the combination is currently admissible.
// contactID may be 0 to skip the contact-scope check.
func (l *Limiter) Check(ctx context.Context, userID, sequenceID, contactID uint) (bool, Info, error) {
	userInfo, err := l.readScope(ctx, scopeKey("user", userID))
	if err != nil {
		return false, Info{}, err
	}
	if exceeds(userInfo, l.UserCaps) {
		return false, userInfo, nil
	}

	seqInfo, err := l.readScope(ctx, scopeKey("user", userID, "seq", sequenceID))
	if err != nil {
		return false, Info{}, err
	}
	if exceeds(seqInfo, l.SequenceCaps) || (l.PerSequenceCap > 0 && seqInfo.Day >= l.PerSequenceCap) {
		return false, seqInfo, nil
	}

	if contactID != 0 {
		onCooldown, err := l.OnCooldown(ctx, sequenceID, contactID)
		if err != nil {
			return false, Info{}, err
		}
		if onCooldown {
			return false, seqInfo, nil
		}

		contactInfo, err := l.readScope(ctx, scopeKey("user", userID, "seq", sequenceID, "contact", contactID))
		if err != nil {
			return false, Info{}, err
		}
		if l.PerContactPerSeqCap > 0 && contactInfo.Day >= l.PerContactPerSeqCap {
			return false, contactInfo, nil
		}
	}

	return true, seqInfo, nil
}

// Increment atomically bumps the minute/hour/day counters at all three
// scopes. Individual INCR calls are independently
// atomic; this engine explicitly does not require this whole operation to be
// linearizable with a preceding Check.
func (l *Limiter) Increment(ctx context.Context, userID, sequenceID, contactID uint) error {
	scopes := []string{
		scopeKey("user", userID),
		scopeKey("user", userID, "seq", sequenceID),
	}
	if contactID != 0 {
		scopes = append(scopes, scopeKey("user", userID, "seq", sequenceID, "contact", contactID))
	}
	for _, key := range scopes {
		if err := l.incrementScope(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) incrementScope(ctx context.Context, key string) error {
	pipe := l.rdb.TxPipeline()
	minuteKey, hourKey, dayKey := key+":m", key+":h", key+":d"

	pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, time.Minute)
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, time.Hour)
	pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 24*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

func (l *Limiter) readScope(ctx context.Context, key string) (Info, error) {
	minuteKey, hourKey, dayKey := key+":m", key+":h", key+":d"
	pipe := l.rdb.Pipeline()
	minuteCmd := pipe.Get(ctx, minuteKey)
	hourCmd := pipe.Get(ctx, hourKey)
	dayCmd := pipe.Get(ctx, dayKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Info{}, err
	}
	return Info{
		Minute: intOrZero(minuteCmd),
		Hour:   intOrZero(hourCmd),
		Day:    intOrZero(dayCmd),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	n, err := cmd.Int()
	if err != nil {
		return 0
	}
	return n
}

func exceeds(info Info, caps Caps) bool {
	if caps.PerMinute > 0 && info.Minute >= caps.PerMinute {
		return true
	}
	if caps.PerHour > 0 && info.Hour >= caps.PerHour {
		return true
	}
	if caps.PerDay > 0 && info.Day >= caps.PerDay {
		return true
	}
	return false
}

// Reset clears every key for a (user, sequence) scope, including its
// per-contact sub-scopes. The reset control-API handler
// (SequenceController.Reset) does not call it.
func (l *Limiter) Reset(ctx context.Context, userID, sequenceID uint) error {
	pattern := scopeKey("user", userID, "seq", sequenceID) + "*"
	iter := l.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return l.rdb.Del(ctx, keys...).Err()
}

// MarkBounced starts a 24h send cooldown for a contact within a sequence.
func (l *Limiter) MarkBounced(ctx context.Context, sequenceID, contactID uint) error {
	return l.rdb.Set(ctx, cooldownKey(sequenceID, contactID), "bounced", BounceCooldown).Err()
}

// MarkSendError starts a 15-minute send cooldown for a contact within a
// sequence after a generic send failure.
func (l *Limiter) MarkSendError(ctx context.Context, sequenceID, contactID uint) error {
	return l.rdb.Set(ctx, cooldownKey(sequenceID, contactID), "error", GenericErrorCooldown).Err()
}

// OnCooldown reports whether a contact is currently within a bounce or
// send-error cooldown for a sequence.
func (l *Limiter) OnCooldown(ctx context.Context, sequenceID, contactID uint) (bool, error) {
	n, err := l.rdb.Exists(ctx, cooldownKey(sequenceID, contactID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func cooldownKey(sequenceID, contactID uint) string {
	return scopeKey("cooldown", "seq", sequenceID, "contact", contactID)
}

// ResetDailyCounters deletes every day-scoped counter key across every
// scope. Day counters already self-expire on a 24h TTL
// (incrementScope); this is a defense-in-depth backstop against a TTL
// silently getting lost or the store clock skewing away from wall time.
func (l *Limiter) ResetDailyCounters(ctx context.Context) error {
	iter := l.rdb.Scan(ctx, 0, "ratelimit:*:d", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return l.rdb.Del(ctx, keys...).Err()
}

// StartDailyReset runs ResetDailyCounters once every 24h, first firing at
// the next UTC midnight after ctx starts, until ctx is cancelled.
// Grounded on utils.CampaignSender.ResetDailyCounters's goroutine-
// started-from-routes shape.
func (l *Limiter) StartDailyReset(ctx context.Context) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	timer := time.NewTimer(midnight.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := l.ResetDailyCounters(ctx); err != nil {
				utils.LogError("ratelimit_daily_reset_failed", err, nil)
			}
			timer.Reset(24 * time.Hour)
		}
	}
}
