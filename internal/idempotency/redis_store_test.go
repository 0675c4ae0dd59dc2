package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestConnectRedisAcceptsAddress(t *testing.T) {
	client, err := ConnectRedis("localhost:6379")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if got := client.Options().Addr; got != "localhost:6379" {
		t.Fatalf("unexpected addr %q", got)
	}

	client, err = ConnectRedis("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatalf("connect url: %v", err)
	}
	defer client.Close()
	if client.Options().DB != 2 || client.Options().Addr != "cache:6380" {
		t.Fatalf("unexpected options %+v", client.Options())
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "test-" + uuid.NewString()
	rec := Record{
		StatusCode: 200,
		Response:   []byte("payload"),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}
	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || string(got.Response) != "payload" {
		t.Fatalf("unexpected record: %#v", got)
	}

	if err := store.Save(ctx, "expired-"+key, Record{ExpiresAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("save expired: %v", err)
	}
	if got, _ := store.Get(ctx, "expired-"+key); got != nil {
		t.Fatalf("expected expired record to be skipped")
	}
}
