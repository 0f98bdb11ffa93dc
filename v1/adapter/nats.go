package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const natsCreateAttempts = 3

// natsRecord is the value stored per lock key. JetStream KV only supports a
// bucket-wide max age, so the per-lease expiry travels with the value.
type natsRecord struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // UnixMilli
}

func (r natsRecord) expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// NATS implements Primitives and Extender on a JetStream key-value bucket.
//
// Atomicity comes from revision-checked writes: a lease is only replaced or
// deleted if the revision read is still the latest one. Expiry is judged with
// the local clock, so hosts sharing a bucket need reasonably synchronised
// clocks; the bucket max age bounds the damage of a skewed host. Every bucket
// call is bounded by the context it is given.
type NATS struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NATSOption configures a NATS backend.
type NATSOption func(*NATS)

// WithNATSClock replaces the time source used to stamp and judge expiry.
func WithNATSClock(now func() time.Time) NATSOption {
	return func(n *NATS) {
		n.now = now
	}
}

// NewNATS returns a backend storing leases in kv.
func NewNATS(kv jetstream.KeyValue, opts ...NATSOption) *NATS {
	n := &NATS{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OpenNATSBucket binds to bucket, creating it with the given max age when it
// does not exist yet.
func OpenNATSBucket(ctx context.Context, js jetstream.JetStream, bucket string, maxAge time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !stdErrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, natsError("nats bucket", err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     maxAge,
	})
	if err != nil {
		return nil, natsError("nats bucket", err)
	}
	return kv, nil
}

func natsError(op string, err error) error {
	switch {
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		err = lockerrors.ErrConnectionClosed
	case stdErrors.Is(err, nats.ErrTimeout):
		err = context.DeadlineExceeded
	}
	return storeError(op, err)
}

// isRevisionConflict reports whether a revision-checked write lost the race.
func isRevisionConflict(err error) bool {
	if stdErrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// load returns the current record of key and its revision. found is false
// when the key is absent or deleted.
func (n *NATS) load(ctx context.Context, key string) (rec natsRecord, rev uint64, found bool, err error) {
	entry, err := n.kv.Get(ctx, key)
	if stdErrors.Is(err, jetstream.ErrKeyNotFound) {
		return natsRecord{}, 0, false, nil
	}
	if err != nil {
		return natsRecord{}, 0, false, err
	}
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		// A value not written by keylock is treated as a foreign holder
		// that never expires on its own.
		return natsRecord{ExpiresAt: 1<<62 - 1}, entry.Revision(), true, nil
	}
	return rec, entry.Revision(), true, nil
}

// SetIfAbsent implements Primitives.SetIfAbsent.
func (n *NATS) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (SetResult, error) {
	now := n.now()
	data, err := json.Marshal(natsRecord{Token: value, ExpiresAt: now.Add(ttl).UnixMilli()})
	if err != nil {
		return SetHeld, err
	}
	for attempt := 0; attempt < natsCreateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return SetHeld, storeError("nats set", err)
		}
		_, err := n.kv.Create(ctx, key, data)
		if err == nil {
			return SetGranted, nil
		}
		if !isRevisionConflict(err) {
			return SetHeld, natsError("nats set", err)
		}
		rec, rev, found, err := n.load(ctx, key)
		if err != nil {
			return SetHeld, natsError("nats set", err)
		}
		if !found {
			// Deleted between Create and Get: try to create again.
			continue
		}
		if rec.Token != value && !rec.expired(now) {
			return SetHeld, nil
		}
		_, err = n.kv.Update(ctx, key, data, rev)
		if err == nil {
			return SetGranted, nil
		}
		if isRevisionConflict(err) {
			return SetHeld, nil
		}
		return SetHeld, natsError("nats set", err)
	}
	return SetHeld, nil
}

// DeleteIfEquals implements Primitives.DeleteIfEquals.
func (n *NATS) DeleteIfEquals(ctx context.Context, key, expected string) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return DeleteMismatch, storeError("nats delete", err)
	}
	rec, rev, found, err := n.load(ctx, key)
	if err != nil {
		return DeleteMismatch, natsError("nats delete", err)
	}
	if !found || rec.Token != expected || rec.expired(n.now()) {
		return DeleteMismatch, nil
	}
	if err := n.kv.Delete(ctx, key, jetstream.LastRevision(rev)); err != nil {
		if isRevisionConflict(err) {
			return DeleteMismatch, nil
		}
		return DeleteMismatch, natsError("nats delete", err)
	}
	return Deleted, nil
}

// ExtendIfEquals implements Extender.ExtendIfEquals.
func (n *NATS) ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeError("nats extend", err)
	}
	now := n.now()
	rec, rev, found, err := n.load(ctx, key)
	if err != nil {
		return false, natsError("nats extend", err)
	}
	if !found || rec.Token != expected || rec.expired(now) {
		return false, nil
	}
	data, err := json.Marshal(natsRecord{Token: expected, ExpiresAt: now.Add(ttl).UnixMilli()})
	if err != nil {
		return false, err
	}
	if _, err := n.kv.Update(ctx, key, data, rev); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, natsError("nats extend", err)
	}
	return true, nil
}

// Holder implements Inspector.Holder.
func (n *NATS) Holder(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, storeError("nats holder", err)
	}
	rec, _, found, err := n.load(ctx, key)
	if err != nil {
		return "", false, natsError("nats holder", err)
	}
	if !found || rec.expired(n.now()) {
		return "", false, nil
	}
	return rec.Token, true, nil
}
