package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNew_EmptyURL(t *testing.T) {
	c, err := New(context.Background(), "", 0)
	if !errors.Is(err, ErrNoURL) || c != nil {
		t.Errorf("expected ErrNoURL, got %v %v", c, err)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(context.Background(), "http://not-redis", 0); err == nil {
		t.Error("expected parse error")
	}
}

func TestNew_Live(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := New(ctx, "redis://127.0.0.1:6379/0", 500*time.Millisecond)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer c.Close()

	if err := c.Health(ctx); err != nil {
		t.Errorf("Health: %v", err)
	}
}
