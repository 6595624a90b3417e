package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, time.Minute)
}

func TestSendReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.SendBatch(ctx, [][]byte{[]byte(`{"kind":"daily_lender_fetch"}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveries, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	d := deliveries[0]
	if d.Attempt() != 1 {
		t.Fatalf("expected attempt 1, got %d", d.Attempt())
	}
	if string(d.Body()) != `{"kind":"daily_lender_fetch"}` {
		t.Fatalf("unexpected body: %s", d.Body())
	}

	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Acked messages must never be reclaimed.
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no reclaimed messages, got %d", n)
	}
}

func TestRetrySchedulesRedeliveryWithBumpedAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.SendBatch(ctx, [][]byte{[]byte(`{"n":1}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveries, err := q.Receive(ctx, 1)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("receive: %v (%d deliveries)", err, len(deliveries))
	}
	if err := deliveries[0].Retry(ctx, 30); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// Not due yet.
	if n, _ := q.PromoteDelayed(ctx, time.Now(), 100); n != 0 {
		t.Fatalf("expected 0 promoted before delay elapses, got %d", n)
	}
	// Due after the delay.
	if n, _ := q.PromoteDelayed(ctx, time.Now().Add(31*time.Second), 100); n != 1 {
		t.Fatalf("expected 1 promoted after delay")
	}

	redelivered, err := q.Receive(ctx, 1)
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("receive redelivery: %v (%d deliveries)", err, len(redelivered))
	}
	if redelivered[0].Attempt() != 2 {
		t.Fatalf("expected attempt 2 on redelivery, got %d", redelivered[0].Attempt())
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.SendBatch(ctx, [][]byte{[]byte(`{"n":1}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := q.Receive(ctx, 1); err != nil {
		t.Fatalf("receive: %v", err)
	}

	// Lease not yet expired.
	if n, _ := q.RequeueExpired(ctx, time.Now(), 100); n != 0 {
		t.Fatalf("expected no reclaim while lease is live")
	}
	// Past the visibility deadline the message comes back.
	if n, _ := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 100); n != 1 {
		t.Fatalf("expected 1 reclaimed message")
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected ready depth 1, got %d", depth)
	}
}
