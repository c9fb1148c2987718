package httpapi

import (
	"context"
	"testing"
	"time"
)

type ctxKey struct{}

func TestJoinContextsCancelsOnBase(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	req := context.WithValue(context.Background(), ctxKey{}, "v")
	ctx, cancel := joinContexts(base, req)
	defer cancel()
	if ctx.Value(ctxKey{}) != "v" {
		t.Fatalf("request values lost")
	}
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("joined context not canceled by base")
	}
}

func TestJoinContextsCancelsOnRequest(t *testing.T) {
	req, stop := context.WithCancel(context.Background())
	ctx, cancel := joinContexts(context.Background(), req)
	defer cancel()
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("joined context not canceled by request")
	}
}

func TestSetBaseContextNil(t *testing.T) {
	SetBaseContext(nil)
	if serverBaseCtx != context.Background() {
		t.Fatalf("expected background context")
	}
}
