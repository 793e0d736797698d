package prefs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if v, _ := Bool(ctx, s, "firebase_firestore_ssl_[DEFAULT]", true); !v {
		t.Fatalf("default bool not returned")
	}
	if err := SetBool(ctx, s, "firebase_firestore_ssl_[DEFAULT]", false); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if v, _ := Bool(ctx, s, "firebase_firestore_ssl_[DEFAULT]", true); v {
		t.Fatalf("stored bool not returned")
	}
	if err := SetInt(ctx, s, "firebase_firestore_cache_size_[DEFAULT]", -1); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if v, _ := Int(ctx, s, "firebase_firestore_cache_size_[DEFAULT]", 104857600); v != -1 {
		t.Fatalf("stored int = %d", v)
	}
	if err := s.Set(ctx, "bad", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := Int(ctx, s, "bad", 7); v != 7 {
		t.Fatalf("unparsable int should use default, got %d", v)
	}
	if err := s.Delete(ctx, "bad"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "bad"); ok {
		t.Fatalf("key survived delete")
	}
}

func TestMemoryStore(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(mr.Addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
	if got := mr.HGet(redisKey, "firebase_firestore_ssl_[DEFAULT]"); got != "false" {
		t.Fatalf("redis hash value = %q", got)
	}
}

func TestRedisUnreachable(t *testing.T) {
	if _, err := NewRedisStore("127.0.0.1:1"); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("rediss://user:pw@h1:6379,h2:6379/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(opts.Addrs) != 2 || opts.DB != 2 || opts.Username != "user" || opts.Password != "pw" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, err = parseRedisURL("redis-sentinel://h:26379/mymaster?db=1&sentinel_password=s")
	if err != nil {
		t.Fatalf("parse sentinel: %v", err)
	}
	if opts.MasterName != "mymaster" || opts.DB != 1 || opts.SentinelPassword != "s" {
		t.Fatalf("unexpected sentinel options %+v", opts)
	}
	if _, err := parseRedisURL("http://x"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := parseRedisURL("redis://h/notanumber"); err == nil {
		t.Fatalf("expected db error")
	}
}
