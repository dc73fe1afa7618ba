package payments

import (
	"context"
	"log/slog"
	"time"

	errskit "circlesmarket/errs"
	"circlesmarket/market/ids"
	"circlesmarket/market/orders"
	"circlesmarket/market/schema"
)

// Hooks receive lifecycle transitions after they are durably recorded. The
// order passed in carries the post-transition overlay.
type Hooks interface {
	OnPaid(ctx context.Context, order *schema.Order)
	OnConfirmed(ctx context.Context, order *schema.Order)
	OnFinalized(ctx context.Context, order *schema.Order)
}

// NopHooks discards all transitions.
type NopHooks struct{}

func (NopHooks) OnPaid(context.Context, *schema.Order)      {}
func (NopHooks) OnConfirmed(context.Context, *schema.Order) {}
func (NopHooks) OnFinalized(context.Context, *schema.Order) {}

// Flow applies observed payment events to the order store and fans out
// transitions to the hooks. Every operation is idempotent so the poller can
// replay ranges safely.
type Flow struct {
	store  *orders.Store
	hooks  Hooks
	logger *slog.Logger
}

// NewFlow wires the flow; nil hooks become a no-op.
func NewFlow(store *orders.Store, hooks Hooks, logger *slog.Logger) *Flow {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{store: store, hooks: hooks, logger: logger}
}

// HandlePayment records the transfer and, when the aggregate covers the
// order total, marks the order paid. Events with malformed references are
// logged and skipped; the chain does not validate our reference format.
func (f *Flow) HandlePayment(ctx context.Context, event Event) error {
	reference, err := ids.NormalizePaymentReference(event.PaymentReference)
	if err != nil {
		f.logger.Debug("skipping transfer with malformed reference",
			"reference", event.PaymentReference, "tx", event.TxHash)
		return nil
	}
	if _, err := f.store.RecordPayment(ctx, orders.PaymentEvent{
		PaymentReference: reference,
		ChainID:          event.ChainID,
		TxHash:           event.TxHash,
		LogIndex:         event.LogIndex,
		GatewayAddress:   event.GatewayAddress,
		AmountWei:        event.AmountWei,
	}); err != nil {
		return err
	}
	// The paid check runs even when the event was a replay: a crash between
	// the ledger insert and the transition leaves the cursor behind, and the
	// replayed event is the only chance to complete the transition.
	transitioned, err := f.store.TryMarkPaidByReference(ctx, reference, orders.PaidDetails{
		ChainID:        event.ChainID,
		TxHash:         event.TxHash,
		LogIndex:       event.LogIndex,
		GatewayAddress: event.GatewayAddress,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	order, err := f.store.GetByPaymentReference(ctx, reference)
	if err != nil {
		return err
	}
	if order == nil {
		return errskit.Newf(errskit.KindInternal, "paid order vanished for reference %s", reference)
	}
	f.logger.Info("order paid", "orderId", order.OrderID, "reference", reference, "tx", event.TxHash)
	f.hooks.OnPaid(ctx, order)
	return nil
}

// HandleConfirmation records confirmation depth being reached.
func (f *Flow) HandleConfirmation(ctx context.Context, reference string, at time.Time) error {
	transitioned, err := f.store.TryMarkConfirmedByReference(ctx, reference, at)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	order, err := f.store.GetByPaymentReference(ctx, reference)
	if err != nil {
		return err
	}
	if order == nil {
		return errskit.Newf(errskit.KindInternal, "confirmed order vanished for reference %s", reference)
	}
	f.logger.Info("order confirmed", "orderId", order.OrderID, "reference", reference)
	f.hooks.OnConfirmed(ctx, order)
	return nil
}

// HandleFinality records chain finality and completes the payment.
func (f *Flow) HandleFinality(ctx context.Context, reference string, at time.Time) error {
	transitioned, err := f.store.TryMarkFinalizedByReference(ctx, reference, at)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	order, err := f.store.GetByPaymentReference(ctx, reference)
	if err != nil {
		return err
	}
	if order == nil {
		return errskit.Newf(errskit.KindInternal, "finalized order vanished for reference %s", reference)
	}
	f.logger.Info("order finalized", "orderId", order.OrderID, "reference", reference)
	f.hooks.OnFinalized(ctx, order)
	return nil
}
