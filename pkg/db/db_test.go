package db

import (
	"context"
	"testing"
)

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := Connect(context.Background(), PoolConfig{}); err == nil {
		t.Fatalf("expected error without DSN")
	}
}

func TestConnectRejectsMalformedDSN(t *testing.T) {
	if _, err := Connect(context.Background(), PoolConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
