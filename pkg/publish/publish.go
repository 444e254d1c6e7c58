// Package publish delivers consumer-facing facts to downstream
// consumers. Deliveries are idempotent: the hash of the facts last
// delivered to each consumer is persisted, and an unchanged hash skips
// the write. Facts already delivered are never retracted; consumers
// keep what they received until a newer document replaces it.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

// Sink delivers one rendered fact document to one consumer.
type Sink interface {
	Deliver(ctx context.Context, consumer string, document []byte) error
}

// HashStore persists per-consumer delivery state.
type HashStore interface {
	// LoadFactHash returns the hash last delivered to the consumer, or
	// "" when nothing was delivered yet.
	LoadFactHash(ctx context.Context, consumer string) (string, error)

	// SavePublication records a completed delivery.
	SavePublication(ctx context.Context, consumer, factHash, document string) error
}

// Result reports the outcome for one consumer.
type Result struct {
	Consumer string
	Written  bool
}

// Config holds the publisher dependencies.
type Config struct {
	// Sink delivers documents. Required.
	Sink Sink

	// Store persists delivery hashes. Required.
	Store HashStore

	// Logger is the structured logger. A no-op logger is used when nil.
	Logger *telemetry.Logger

	// Metrics records publication outcomes. Optional.
	Metrics *telemetry.Metrics
}

// Publisher writes fact documents to every declared downstream consumer.
type Publisher struct {
	sink    Sink
	store   HashStore
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewPublisher creates a publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("hash store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Publisher{
		sink:    cfg.Sink,
		store:   cfg.Store,
		logger:  logger.NewComponentLogger("publish"),
		metrics: cfg.Metrics,
	}, nil
}

// Publish delivers the facts to every downstream consumer in the
// snapshot. Consumers whose stored hash matches are skipped. A failed
// delivery does not stop the remaining consumers; the first failure is
// returned after all consumers were attempted.
func (p *Publisher) Publish(ctx context.Context, snap registry.Snapshot, facts map[string]string) ([]Result, error) {
	if len(facts) == 0 {
		return nil, nil
	}

	consumers := snap.ByKind(registry.KindDownstreamConsumer)
	if len(consumers) == 0 {
		return nil, nil
	}

	hash, err := FactHash(facts)
	if err != nil {
		return nil, fmt.Errorf("hashing facts: %w", err)
	}
	document, err := renderDocument(facts)
	if err != nil {
		return nil, fmt.Errorf("rendering fact document: %w", err)
	}

	results := make([]Result, 0, len(consumers))
	var firstErr error

	for _, consumer := range consumers {
		written, err := p.publishOne(ctx, consumer.ID, hash, document)
		if err != nil {
			p.logger.WithConsumer(consumer.ID).WithError(err).Error("failed to publish facts")
			p.recordPublish(consumer.ID, "failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("publishing to %s: %w", consumer.ID, err)
			}
			continue
		}

		results = append(results, Result{Consumer: consumer.ID, Written: written})
		if written {
			p.recordPublish(consumer.ID, "written")
		} else {
			p.recordPublish(consumer.ID, "unchanged")
		}
	}

	return results, firstErr
}

// publishOne delivers to a single consumer unless the stored hash shows
// the facts are already there.
func (p *Publisher) publishOne(ctx context.Context, consumer, hash string, document []byte) (bool, error) {
	stored, err := p.store.LoadFactHash(ctx, consumer)
	if err != nil {
		return false, fmt.Errorf("loading stored hash: %w", err)
	}
	if stored == hash {
		p.logger.WithConsumer(consumer).Debug("facts unchanged, skipping delivery")
		return false, nil
	}

	if err := p.sink.Deliver(ctx, consumer, document); err != nil {
		return false, fmt.Errorf("delivering document: %w", err)
	}
	if err := p.store.SavePublication(ctx, consumer, hash, string(document)); err != nil {
		return false, fmt.Errorf("recording delivery: %w", err)
	}

	p.logger.WithConsumer(consumer).WithField("hash", hash).Info("facts published")

	return true, nil
}

func (p *Publisher) recordPublish(consumer, result string) {
	if p.metrics != nil {
		p.metrics.RecordPublish(consumer, result)
	}
}

// FactHash computes the canonical hash of a fact set. JSON marshaling
// orders map keys, so equal fact sets hash equally.
func FactHash(facts map[string]string) (string, error) {
	encoded, err := json.Marshal(facts)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(encoded)), nil
}
