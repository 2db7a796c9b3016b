package planner

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/liteseed/turbo-upload-service/config"
)

func TestRunReturnsImmediatelyWithoutDatabase(t *testing.T) {
	done := make(chan struct{})
	go func() {
		Run(context.Background(), nil, config.Config{PlanInterval: time.Second}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a nil database")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, &gorm.DB{}, config.Config{PlanInterval: time.Hour}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
