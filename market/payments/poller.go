package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"circlesmarket/market/orders"
)

// Poller defaults.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultBatchLimit    = 100
	DefaultConfirmations = 6
	DefaultFinalityDepth = 20
)

// PollerConfig tunes the polling loop.
type PollerConfig struct {
	Interval      time.Duration
	BatchLimit    int
	Confirmations uint64
	FinalityDepth uint64
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.Confirmations == 0 {
		c.Confirmations = DefaultConfirmations
	}
	if c.FinalityDepth == 0 {
		c.FinalityDepth = DefaultFinalityDepth
	}
	return c
}

// Poller drains the indexer into the flow. The cursor is persisted only
// after the side effects of a batch commit, so a crash replays rather than
// skips; every downstream operation tolerates replay.
type Poller struct {
	indexer Indexer
	flow    *Flow
	store   *orders.Store
	config  PollerConfig
	logger  *slog.Logger
}

// NewPoller wires the polling loop.
func NewPoller(indexer Indexer, flow *Flow, store *orders.Store, config PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		indexer: indexer,
		flow:    flow,
		store:   store,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

// Run polls until the context is cancelled. Upstream failures back off
// exponentially and reset on the first successful tick.
func (p *Poller) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	retry.MaxInterval = time.Minute

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		if err := p.Tick(ctx); err != nil {
			wait := retry.NextBackOff()
			p.logger.Warn("payment poll failed", "err", err, "retryIn", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes one batch of transfers and one settlement sweep.
func (p *Poller) Tick(ctx context.Context) error {
	cursor, err := p.store.LoadCursor(ctx)
	if err != nil {
		return err
	}
	events, err := p.indexer.Events(ctx, cursor.BlockNumber, cursor.TxIndex, cursor.LogIndex, p.config.BatchLimit)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := p.flow.HandlePayment(ctx, event); err != nil {
			return err
		}
		cursor = orders.Cursor{
			BlockNumber: event.BlockNumber,
			TxIndex:     event.TxIndex,
			LogIndex:    event.LogIndex,
		}
	}
	if len(events) > 0 {
		if err := p.store.SaveCursor(ctx, cursor); err != nil {
			return err
		}
	}
	return p.sweepSettlement(ctx)
}

// sweepSettlement advances paid orders whose inclusion block is now deep
// enough for confirmation or finality.
func (p *Poller) sweepSettlement(ctx context.Context) error {
	pending, err := p.store.ListUnsettled(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	head, err := p.indexer.Head(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, entry := range pending {
		if entry.TxHash == "" {
			continue
		}
		block, found, err := p.indexer.ReceiptBlock(ctx, entry.TxHash)
		if err != nil {
			return err
		}
		if !found || head.Latest < block {
			continue
		}
		depth := head.Latest - block
		if !entry.Confirmed && depth >= p.config.Confirmations {
			if err := p.flow.HandleConfirmation(ctx, entry.PaymentReference, now); err != nil {
				return err
			}
		}
		finalized := depth >= p.config.FinalityDepth
		if head.Finalized > 0 && block <= head.Finalized {
			finalized = true
		}
		if finalized {
			if err := p.flow.HandleFinality(ctx, entry.PaymentReference, now); err != nil {
				return err
			}
		}
	}
	return nil
}
