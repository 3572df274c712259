package redisstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xdispatch"
)

// Outbox keeps each record in a hash and indexes ids in three sorted sets:
// all records and outstanding ones by timestamp, dispatched ones by dispatch
// time. Scores are Unix microseconds.
type Outbox struct {
	client *redis.Client
	prefix string
}

var _ xdispatch.Outbox = (*Outbox)(nil)

// KEYS: all, outstanding. ARGV: prefix, then (id, score, data) per message.
var addScript = redis.NewScript(`
local added = 0
for i = 2, #ARGV, 3 do
  local key = ARGV[1] .. 'msg:' .. ARGV[i]
  if redis.call('EXISTS', key) == 0 then
    redis.call('HSET', key, 'data', ARGV[i+2], 'dispatched', '0')
    redis.call('ZADD', KEYS[1], ARGV[i+1], ARGV[i])
    redis.call('ZADD', KEYS[2], ARGV[i+1], ARGV[i])
    added = added + 1
  end
end
return added
`)

// KEYS: outstanding, dispatched. ARGV: prefix, id, dispatched_at ns, score.
var markScript = redis.NewScript(`
local key = ARGV[1] .. 'msg:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
  return -1
end
if redis.call('HGET', key, 'dispatched') == '1' then
  return 0
end
redis.call('HSET', key, 'dispatched', '1', 'dispatched_at', ARGV[3])
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
return 1
`)

// NewOutbox stores records under keys starting with prefix.
func NewOutbox(client *redis.Client, prefix string) *Outbox {
	return &Outbox{client: client, prefix: prefix}
}

func (o *Outbox) msgKey(id string) string { return o.prefix + "msg:" + id }
func (o *Outbox) allKey() string          { return o.prefix + "outbox:all" }
func (o *Outbox) outstandingKey() string  { return o.prefix + "outbox:outstanding" }
func (o *Outbox) dispatchedKey() string   { return o.prefix + "outbox:dispatched" }

// storedMessage is the JSON form of a Message inside the record hash.
type storedMessage struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Type          string            `json:"type"`
	Timestamp     int64             `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	HandledCount  int               `json:"handled_count"`
	Bag           map[string]string `json:"bag,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Body          []byte            `json:"body"`
}

func toStored(m xdispatch.Message) storedMessage {
	return storedMessage{
		ID:            m.Header.ID,
		Topic:         m.Header.Topic,
		Type:          string(m.Header.Type),
		Timestamp:     unixNano(m.Header.Timestamp),
		CorrelationID: m.Header.CorrelationID,
		HandledCount:  m.Header.HandledCount,
		Bag:           m.Header.Bag,
		ContentType:   m.Body.ContentType,
		Body:          m.Body.Bytes,
	}
}

func (s storedMessage) message() xdispatch.Message {
	h := xdispatch.Header{
		ID:            s.ID,
		Topic:         s.Topic,
		Type:          xdispatch.MessageType(s.Type),
		CorrelationID: s.CorrelationID,
		HandledCount:  s.HandledCount,
		Bag:           s.Bag,
	}
	if s.Timestamp != 0 {
		h.Timestamp = time.Unix(0, s.Timestamp).UTC()
	}
	return xdispatch.NewMessage(h, xdispatch.Body{Bytes: s.Body, ContentType: s.ContentType})
}

// unixNano maps the zero time to 0 so it round-trips as zero.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func score(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

// Add stores msgs in one script run; ids already present are left untouched.
func (o *Outbox) Add(ctx context.Context, msgs ...xdispatch.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, 1+3*len(msgs))
	args = append(args, o.prefix)
	for _, m := range msgs {
		if m.ID() == "" {
			return 0, errors.New("redis outbox: message without id")
		}
		data, err := json.Marshal(toStored(m))
		if err != nil {
			return 0, fmt.Errorf("redis outbox: encode %s: %w", m.ID(), err)
		}
		args = append(args, m.ID(), score(m.Header.Timestamp), data)
	}
	return addScript.Run(ctx, o.client, []string{o.allKey(), o.outstandingKey()}, args...).Int()
}

func (o *Outbox) Get(ctx context.Context, id string) (xdispatch.OutboxRecord, error) {
	vals, err := o.client.HGetAll(ctx, o.msgKey(id)).Result()
	if err != nil {
		return xdispatch.OutboxRecord{}, err
	}
	if len(vals) == 0 {
		return xdispatch.OutboxRecord{}, fmt.Errorf("%w: %s", xdispatch.ErrMessageNotFound, id)
	}
	return decodeRecord(vals)
}

func decodeRecord(vals map[string]string) (xdispatch.OutboxRecord, error) {
	var sm storedMessage
	if err := json.Unmarshal([]byte(vals[hashData]), &sm); err != nil {
		return xdispatch.OutboxRecord{}, fmt.Errorf("redis outbox: decode: %w", err)
	}
	rec := xdispatch.OutboxRecord{Message: sm.message(), Dispatched: vals[hashDispatched] == "1"}
	if ns, ok := toInt64(vals[hashDispatchedAt]); ok && rec.Dispatched {
		at := time.Unix(0, ns).UTC()
		rec.DispatchedAt = &at
	}
	return rec, nil
}

// records fetches ids in one pipeline, skipping ids deleted in between.
func (o *Outbox) records(ctx context.Context, ids []string) ([]xdispatch.OutboxRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := o.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, o.msgKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]xdispatch.OutboxRecord, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		rec, err := decodeRecord(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (o *Outbox) List(ctx context.Context, page, size int) ([]xdispatch.OutboxRecord, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		return nil, nil
	}
	start := int64((page - 1) * size)
	ids, err := o.client.ZRange(ctx, o.allKey(), start, start+int64(size)-1).Result()
	if err != nil {
		return nil, err
	}
	return o.records(ctx, ids)
}

// OutstandingMessages pages through the outstanding index until limit
// messages off skipTopics are collected or the index is exhausted.
func (o *Outbox) OutstandingMessages(ctx context.Context, olderThan time.Time, limit int, skipTopics ...string) ([]xdispatch.Message, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: score(olderThan)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	var out []xdispatch.Message
	for {
		ids, err := o.client.ZRangeByScore(ctx, o.outstandingKey(), by).Result()
		if err != nil {
			return nil, err
		}
		recs, err := o.records(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.Dispatched || slices.Contains(skipTopics, r.Message.Topic()) {
				continue
			}
			out = append(out, r.Message)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if by.Count == 0 || int64(len(ids)) < by.Count {
			return out, nil
		}
		by.Offset += by.Count
	}
}

func (o *Outbox) OutstandingCount(ctx context.Context) (int, error) {
	n, err := o.client.ZCard(ctx, o.outstandingKey()).Result()
	return int(n), err
}

// MarkDispatched flags id as dispatched at at. A second mark keeps the
// first timestamp.
func (o *Outbox) MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := markScript.Run(ctx, o.client,
		[]string{o.outstandingKey(), o.dispatchedKey()},
		o.prefix, id, strconv.FormatInt(at.UnixNano(), 10), score(at),
	).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, fmt.Errorf("%w: %s", xdispatch.ErrMessageNotFound, id)
	}
	return res == 1, nil
}

func (o *Outbox) DispatchedMessages(ctx context.Context, dispatchedBefore time.Time, limit int) ([]xdispatch.OutboxRecord, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: score(dispatchedBefore)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := o.client.ZRangeByScore(ctx, o.dispatchedKey(), by).Result()
	if err != nil {
		return nil, err
	}
	return o.records(ctx, ids)
}

func (o *Outbox) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = o.msgKey(id)
	}
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, o.allKey(), members...)
		pipe.ZRem(ctx, o.outstandingKey(), members...)
		pipe.ZRem(ctx, o.dispatchedKey(), members...)
		return nil
	})
	return err
}
