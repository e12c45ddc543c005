// Package storage implements the durable store behind the ingestion
// endpoint on Redis: the idempotency ledger as unique-constraint inserts
// (SETNX) and the XP/quest aggregates as atomic per-key increments, so
// concurrent requests for the same subject never race a read-modify-write.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"lexiquest-sync/domain"
)

const (
	defaultLedgerTTL   = 30 * 24 * time.Hour
	defaultProgressCap = 1000
)

// Clamped increment for a quest/day progress counter. HINCRBY alone cannot
// clamp, so the read, add and clamp happen inside one script execution.
var questProgressScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress')) or 0
local next = cur + tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if next > cap then next = cap end
if next < 0 then next = 0 end
redis.call('HSET', KEYS[1], 'progress', next)
return next
`)

// Exactly-once completion: HSETNX on completed_at arbitrates, and the XP
// reward is credited in the same script so the flag and the reward cannot
// diverge.
var questCompleteScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'completed_at', ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], 'xp_awarded', 1)
	redis.call('HINCRBY', KEYS[2], 'total_xp', ARGV[2])
	return 1
end
return 0
`)

// Config tunes a Store. Zero values pick the documented defaults.
type Config struct {
	// LedgerTTL bounds how long applied event ids are remembered. Retries
	// older than this window would be re-applied, so it must comfortably
	// exceed the longest plausible client offline period. Zero means the
	// default; negative means keep forever.
	LedgerTTL time.Duration
	// ProgressCap is the application-defined maximum for a quest/day
	// progress counter.
	ProgressCap int64
	// Now supplies server time for day-bucket derivation. Tests pin it.
	Now func() time.Time
}

// Store provides ledger and aggregate commands on a Redis client.
type Store struct {
	client      *redis.Client
	ledgerTTL   time.Duration
	progressCap int64
	now         func() time.Time
}

// New creates a Store using the provided Redis client.
func New(client *redis.Client, cfg Config) *Store {
	ttl := cfg.LedgerTTL
	if ttl == 0 {
		ttl = defaultLedgerTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	progressCap := cfg.ProgressCap
	if progressCap <= 0 {
		progressCap = defaultProgressCap
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{client: client, ledgerTTL: ttl, progressCap: progressCap, now: now}
}

func ledgerKey(subjectID, eventID string) string {
	return fmt.Sprintf("ledger:%s:%s", subjectID, eventID)
}

func xpKey(subjectID string) string {
	return "xp:" + subjectID
}

func questKey(subjectID, questID, day string) string {
	return fmt.Sprintf("quest:%s:%s:%s", subjectID, questID, day)
}

// DayBucket returns the server-derived UTC calendar day used for quest
// bookkeeping. The client's clock never participates.
func (s *Store) DayBucket() string {
	return s.now().UTC().Format("2006-01-02")
}

// AddLedgerEntry records the event id if absent and returns true when this
// call won the insert. The stored value is the apply timestamp.
func (s *Store) AddLedgerEntry(ctx context.Context, subjectID, eventID string) (bool, error) {
	appliedAt := s.now().UTC().Format(time.RFC3339Nano)
	return s.client.SetNX(ctx, ledgerKey(subjectID, eventID), appliedAt, s.ledgerTTL).Result()
}

// RemoveLedgerEntry deletes a previously recorded id so the event may be
// retried after a failed apply.
func (s *Store) RemoveLedgerEntry(ctx context.Context, subjectID, eventID string) error {
	return s.client.Del(ctx, ledgerKey(subjectID, eventID)).Err()
}

// AddXP atomically increments the subject's XP total and, when countGame is
// set, the games_played counter.
func (s *Store) AddXP(ctx context.Context, subjectID string, delta int64, countGame bool) error {
	key := xpKey(subjectID)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "total_xp", delta)
		if countGame {
			pipe.HIncrBy(ctx, key, "games_played", 1)
		}
		return nil
	})
	return err
}

// IncrementQuestProgress advances today's progress counter for the quest,
// clamped to the configured cap, and returns the new value. The record is
// created on first touch.
func (s *Store) IncrementQuestProgress(ctx context.Context, subjectID, questID string, delta int64) (int64, error) {
	key := questKey(subjectID, questID, s.DayBucket())
	res, err := questProgressScript.Run(ctx, s.client, []string{key}, delta, s.progressCap).Result()
	if err != nil {
		return 0, err
	}
	val, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	return val, nil
}

// CompleteQuest marks today's quest record complete and credits the reward.
// It returns false without any effect when the record was already complete.
func (s *Store) CompleteQuest(ctx context.Context, subjectID, questID string, reward int64) (bool, error) {
	qk := questKey(subjectID, questID, s.DayBucket())
	completedAt := s.now().UTC().Format(time.RFC3339Nano)
	res, err := questCompleteScript.Run(ctx, s.client, []string{qk, xpKey(subjectID)}, completedAt, reward).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result %T", res)
	}
	return val == 1, nil
}

// Totals reads the subject's aggregates. A subject with no applied events
// reports zeros.
func (s *Store) Totals(ctx context.Context, subjectID string) (domain.Totals, error) {
	vals, err := s.client.HMGet(ctx, xpKey(subjectID), "total_xp", "games_played").Result()
	if err != nil {
		return domain.Totals{}, err
	}
	var t domain.Totals
	if t.TotalXP, err = hashInt(vals[0]); err != nil {
		return domain.Totals{}, err
	}
	if t.GamesPlayed, err = hashInt(vals[1]); err != nil {
		return domain.Totals{}, err
	}
	return t, nil
}

// QuestStatus describes one quest/day record, used by the read side and by
// tests asserting exactly-once completion.
type QuestStatus struct {
	Progress    int64
	CompletedAt string
	XPAwarded   bool
}

// QuestRecord reads the (subject, quest, day) record. Missing records report
// zero values.
func (s *Store) QuestRecord(ctx context.Context, subjectID, questID, day string) (QuestStatus, error) {
	vals, err := s.client.HMGet(ctx, questKey(subjectID, questID, day), "progress", "completed_at", "xp_awarded").Result()
	if err != nil {
		return QuestStatus{}, err
	}
	var q QuestStatus
	if q.Progress, err = hashInt(vals[0]); err != nil {
		return QuestStatus{}, err
	}
	if v, ok := vals[1].(string); ok {
		q.CompletedAt = v
	}
	awarded, err := hashInt(vals[2])
	if err != nil {
		return QuestStatus{}, err
	}
	q.XPAwarded = awarded == 1
	return q, nil
}

func hashInt(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected hash value %T", v)
	}
	return strconv.ParseInt(str, 10, 64)
}
