package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/fault"
)

const (
	// TTL is the session record lifetime. Expiry is the only deletion path
	// for completed sessions; the reaper removes blobs, not records.
	TTL = 3 * time.Hour

	// readyKeyTTL is the lifetime of the dedicated ready keys.
	readyKeyTTL = time.Hour

	// taskTTL is the lifetime of task progress records.
	taskTTL = time.Hour

	// mergeFallbackTTLSeconds is applied when a merged record has lost its
	// TTL (should not happen; guards against a persisted key living forever).
	mergeFallbackTTLSeconds = 3600

	sessionPrefix = "session:"
	taskPrefix    = "task:"
)

// mergeScript applies a field-wise JSON overlay onto the stored record while
// preserving its remaining TTL, all inside the Redis script engine so no
// concurrent update can be lost.
var mergeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local data = cjson.decode(raw)
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do
  data[k] = v
end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
end
redis.call('SET', KEYS[1], cjson.encode(data), 'EX', ttl)
return 1
`)

// TaskState is the coarse lifecycle of a background task record.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskError     TaskState = "error"
)

// Task is the progress record a pipeline coordinator publishes for the event
// stream. Only phase transitions write it, never worker goroutines inside a
// fan-out.
type Task struct {
	ID      string    `json:"task_id"`
	State   TaskState `json:"state"`
	Step    string    `json:"step,omitempty"`
	Percent int       `json:"percent"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Store persists sessions, ready keys, and task progress in Redis.
// Safe for concurrent use.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore creates a Store on top of the given Redis client.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Create stores a fresh session record with the standard TTL. The record must
// carry a non-empty ID.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session: create: missing id: %w", fault.ErrValidation)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal %q: %w", sess.ID, err)
	}
	if err := s.rdb.Set(ctx, sessionPrefix+sess.ID, raw, TTL).Err(); err != nil {
		return fmt.Errorf("session: create %q: %w", sess.ID, err)
	}
	return nil
}

// Get reads a session record. Absent or expired records yield
// fault.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: %q: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %q: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %q: %w", id, err)
	}
	return &sess, nil
}

// Merge atomically overlays patch onto the stored record. The remaining TTL
// is preserved (with a one-hour fallback); absent records yield
// fault.ErrNotFound. Patch values must be JSON-encodable.
func (s *Store) Merge(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("session: marshal patch for %q: %w", id, err)
	}
	n, err := mergeScript.Run(ctx, s.rdb,
		[]string{sessionPrefix + id}, string(raw), mergeFallbackTTLSeconds).Int()
	if err != nil {
		return fmt.Errorf("session: merge %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session: merge %q: %w", id, fault.ErrNotFound)
	}
	return nil
}

// Delete removes a session record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("session: delete %q: %w", id, err)
	}
	return nil
}

// Scan returns the ids of all live session records. Used by the reaper; the
// result is a snapshot, not a consistent view.
func (s *Store) Scan(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, sessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, sessionPrefix)
		// Ready keys share the session prefix; they carry a second segment.
		if strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	return ids, nil
}

// ── dedicated ready keys ────────────────────────────────────────────────────
//
// Readiness is signalled through keys separate from the session record so
// that a pipeline can announce stems without racing a concurrent field merge.

// MarkTracksReady records that the session-scoped reference stems exist.
func (s *Store) MarkTracksReady(ctx context.Context, id string) error {
	return s.setReadyKey(ctx, id, "tracks_ready_at")
}

// MarkUserTracksReady records that the user stems exist.
func (s *Store) MarkUserTracksReady(ctx context.Context, id string) error {
	return s.setReadyKey(ctx, id, "user_tracks_ready_at")
}

// TracksReadyAt returns the reference-stems-ready timestamp, if recorded.
func (s *Store) TracksReadyAt(ctx context.Context, id string) (time.Time, bool, error) {
	return s.getReadyKey(ctx, id, "tracks_ready_at")
}

// UserTracksReadyAt returns the user-stems-ready timestamp, if recorded.
func (s *Store) UserTracksReadyAt(ctx context.Context, id string) (time.Time, bool, error) {
	return s.getReadyKey(ctx, id, "user_tracks_ready_at")
}

func (s *Store) setReadyKey(ctx context.Context, id, suffix string) error {
	key := sessionPrefix + id + ":" + suffix
	val := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.rdb.Set(ctx, key, val, readyKeyTTL).Err(); err != nil {
		return fmt.Errorf("session: set %s for %q: %w", suffix, id, err)
	}
	return nil
}

func (s *Store) getReadyKey(ctx context.Context, id, suffix string) (time.Time, bool, error) {
	key := sessionPrefix + id + ":" + suffix
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: get %s for %q: %w", suffix, id, err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: decode %s for %q: %w", suffix, id, err)
	}
	return time.Unix(unix, 0), true, nil
}

// ── task progress records ───────────────────────────────────────────────────

// PutTask stores a task progress record with a one-hour TTL, replacing any
// previous state for the same task id.
func (s *Store) PutTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("session: put task: missing id: %w", fault.ErrValidation)
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("session: marshal task %q: %w", task.ID, err)
	}
	if err := s.rdb.Set(ctx, taskPrefix+task.ID, raw, taskTTL).Err(); err != nil {
		return fmt.Errorf("session: put task %q: %w", task.ID, err)
	}
	return nil
}

// GetTask reads a task progress record; absent tasks yield fault.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	raw, err := s.rdb.Get(ctx, taskPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: task %q: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get task %q: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("session: decode task %q: %w", id, err)
	}
	return &task, nil
}
