// Package dispatch delivers crawl requests from the scheduler to workers.
//
// Two providers exist: an in-process buffered channel and a NATS queue group
// that lets crawl workers run in other processes. Delivery is at most once;
// the store keeps jobs durable and the lease keeps them exclusive, so a lost
// request is recovered by the scheduler's due-job sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

// ErrClosed is returned when dispatching on a closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// ErrFull is returned by the local dispatcher when its buffer has no room.
var ErrFull = errors.New("dispatch buffer full")

// Request asks a worker to run one crawl job.
type Request struct {
	JobID    string        `json:"job_id"`
	VendorID string        `json:"vendor_id"`
	Trigger  store.Trigger `json:"trigger"`
	Attempt  int           `json:"attempt"`
}

// Handler processes one request. It must not block past ctx.
type Handler func(ctx context.Context, req Request)

// Dispatcher moves requests to workers.
type Dispatcher interface {
	// Dispatch hands req to some worker. It never waits for a worker to
	// become free.
	Dispatch(ctx context.Context, req Request) error
	// Run calls handler for each received request until ctx ends. Several
	// goroutines may call Run; each request reaches one of them.
	Run(ctx context.Context, handler Handler) error
	// Close releases resources. Pending requests are dropped.
	Close() error
}

// New builds the configured dispatcher.
func New(cfg config.DispatchConfig, logger *zap.Logger) (Dispatcher, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocal(0), nil
	case "nats":
		return NewNATS(NATSConfigFromSettings(cfg.NATS), logger)
	default:
		return nil, fmt.Errorf("unsupported dispatch provider: %s", cfg.Provider)
	}
}
