package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	domoutbox "github.com/canteenhq/orderflow/internal/domain/outbox"
	"github.com/canteenhq/orderflow/internal/observability"
	"github.com/canteenhq/orderflow/internal/observability/logctx"
)

const (
	checkoutService    = "checkout-engine"
	useCaseSubmit      = "checkout.submit"
	useCaseConfirm     = "checkout.confirm"
	spanPrefix         = "UC."
	gatewayPeer        = "payment-gateway"
	gatewayEndpoint    = "create_authorization"
	publishTimeout     = 300 * time.Millisecond
	guestTokenValidity = 72 * time.Hour
)

// SignalSource identifies which channel delivered a confirmation.
type SignalSource string

const (
	SourceClient  SignalSource = "client"
	SourceWebhook SignalSource = "webhook"
)

// Signal is one confirmation report for an order's gateway authorization.
// The same event may be delivered more than once, on either channel, in any
// order.
type Signal struct {
	Source   SignalSource
	Approved bool
	Reason   string
}

// Engine drives an order draft from submission through payment authorization
// to a terminal state, merging duplicate and out-of-order confirmation
// signals into one consistent decision.
type Engine struct {
	repo      domorder.Repository
	carts     CartAccess
	gateway   PaymentGateway
	guests    GuestAuthorizer
	ids       IDGenerator
	publisher domoutbox.Publisher

	currency       string
	gatewayTimeout time.Duration
	locks          *orderLocks

	tel observability.Observability
	log observability.Logger

	reqCounter     observability.Counter
	durHistogram   observability.Histogram
	extCounter     observability.Counter
	extHistogram   observability.Histogram
	signalCounter  observability.Counter
	anomalyCounter observability.Counter
}

func NewEngine(
	repo domorder.Repository,
	carts CartAccess,
	gateway PaymentGateway,
	guests GuestAuthorizer,
	ids IDGenerator,
	publisher domoutbox.Publisher,
	currency string,
	gatewayTimeout time.Duration,
	tel observability.Observability,
) *Engine {
	if tel == nil {
		tel = observability.Nop()
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 15 * time.Second
	}
	metrics := tel.Metrics()
	return &Engine{
		repo:           repo,
		carts:          carts,
		gateway:        gateway,
		guests:         guests,
		ids:            ids,
		publisher:      publisher,
		currency:       currency,
		gatewayTimeout: gatewayTimeout,
		locks:          newOrderLocks(),
		tel:            tel,
		log:            tel.Logger().With(observability.F("service", checkoutService)),
		reqCounter:     metrics.Counter(observability.MUsecaseRequests),
		durHistogram:   metrics.Histogram(observability.MUsecaseDuration),
		extCounter:     metrics.Counter(observability.MExternalRequests),
		extHistogram:   metrics.Histogram(observability.MExternalRequestDuration),
		signalCounter:  metrics.Counter(observability.MConfirmationSignals),
		anomalyCounter: metrics.Counter(observability.MConfirmationAnomalies),
	}
}

type SubmitInput struct {
	SessionID    string
	SubmissionID string
	Payer        domorder.PayerIdentity
	GuestAuth    *domauth.Authorization
}

type SubmitResult struct {
	OrderID       string
	State         domorder.State
	Authorization GatewayAuthorization
	Replayed      bool
}

// Submit freezes the cart into an order draft and requests a payment
// authorization. Retried submissions with the same cart content and
// submission id return the original order instead of creating a second one.
func (e *Engine) Submit(ctx context.Context, input SubmitInput) (_ *SubmitResult, err error) {
	logger := logctx.FromOr(ctx, e.log).With(observability.F("use_case", useCaseSubmit))

	ctx, span := e.tel.Tracer().Start(ctx, spanPrefix+"SubmitCheckout",
		attribute.String("use_case", useCaseSubmit),
		attribute.String("checkout.session_id", input.SessionID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	defer func() {
		e.finish(ctx, span, logger, useCaseSubmit, outcome, statusText, start, err)
	}()

	if input.SubmissionID == "" {
		outcome, statusText = "error", "SUBMISSION_ID_REQUIRED"
		return nil, newValidation("submission id is required")
	}
	if err := input.Payer.Validate(); err != nil {
		outcome, statusText = "error", "PAYER_INVALID"
		return nil, newValidation(err.Error())
	}
	if input.Payer.IsGuest() && input.GuestAuth == nil {
		outcome, statusText = "error", "GUEST_AUTHORIZATION_REQUIRED"
		return nil, newValidation("guest authorization is required")
	}

	c, err := e.carts.Get(ctx, input.SessionID)
	if err != nil {
		outcome, statusText = "error", "CART_LOAD_FAILED"
		return nil, err
	}
	if c.IsEmpty() {
		outcome, statusText = "error", "CART_EMPTY"
		return nil, newValidation("cart is empty")
	}
	if !c.IsBound() {
		outcome, statusText = "error", "LOCATION_UNBOUND"
		return nil, newValidation("no fulfillment location selected")
	}

	idempotencyKey := fmt.Sprintf("%s:%s", c.Fingerprint(), input.SubmissionID)
	span.SetAttributes(attribute.String("checkout.idempotency_key", idempotencyKey))

	if existing, lookupErr := e.repo.FindByIdempotency(ctx, idempotencyKey); lookupErr == nil {
		statusText = "IDEMPOTENT_REPLAY"
		span.AddEvent("checkout.idempotent_replay",
			trace.WithAttributes(attribute.String("order.id", existing.ID)),
		)
		return e.replay(existing)
	} else if !errors.Is(lookupErr, domorder.ErrNotFound) {
		outcome, statusText = "error", "IDEMPOTENCY_LOOKUP_FAILED"
		return nil, fmt.Errorf("checkout: idempotency lookup: %w", lookupErr)
	}

	draft, derr := domorder.New(
		e.ids.NewID(),
		idempotencyKey,
		c.LocationID,
		e.currency,
		domorder.SnapshotLines(c.Items),
		c.Total(),
		input.Payer,
	)
	if derr != nil {
		outcome, statusText = "error", "DRAFT_CONSTRUCTION_FAILED"
		return nil, newValidation(derr.Error())
	}
	draft.SessionID = input.SessionID

	if err := e.repo.Insert(ctx, draft); err != nil {
		if errors.Is(err, domorder.ErrConflict) {
			if existing, lookupErr := e.repo.FindByIdempotency(ctx, idempotencyKey); lookupErr == nil {
				statusText = "IDEMPOTENT_REPLAY"
				return e.replay(existing)
			}
		}
		outcome, statusText = "error", "REPO_INSERT_FAILED"
		return nil, fmt.Errorf("checkout: insert order: %w", err)
	}

	// Redeem the guest authorization only after the draft exists, so a
	// failed insert never burns the one-time token, and before any money
	// moves at the gateway.
	if input.Payer.IsGuest() {
		if err := e.guests.Redeem(ctx, input.SessionID, *input.GuestAuth); err != nil {
			e.failDraft(ctx, draft, "guest authorization rejected: "+err.Error(), logger)
			outcome, statusText = "error", "GUEST_AUTHORIZATION_REJECTED"
			return nil, err
		}
	}

	auth, gwErr := e.createAuthorization(ctx, draft, idempotencyKey)
	if gwErr != nil {
		if errors.Is(gwErr, context.DeadlineExceeded) {
			// The authorization may exist at the gateway. Park the order in
			// the challenge phase and let the webhook resolve it.
			if terr := draft.BeginAuthorization(""); terr == nil {
				uerr := e.update(ctx, draft, domorder.StateCreated, logger)
				if uerr != nil {
					uerr = e.update(ctx, draft, domorder.StateCreated, logger)
				}
				if uerr != nil {
					// The order is stuck in its initial state and webhook
					// signals for it will be rejected until it is parked.
					outcome, statusText = "error", "GATEWAY_TIMEOUT_PARK_FAILED"
					return nil, fmt.Errorf("%w: %w (order not parked: %w)", ErrPaymentAmbiguous, gwErr, uerr)
				}
			}
			outcome, statusText = "error", "GATEWAY_TIMEOUT"
			return nil, fmt.Errorf("%w: %w", ErrPaymentAmbiguous, gwErr)
		}
		e.failDraft(ctx, draft, "gateway authorization failed: "+gwErr.Error(), logger)
		outcome, statusText = "error", "GATEWAY_REJECTED"
		return nil, fmt.Errorf("%w: %w", ErrPaymentDeclined, gwErr)
	}

	if err := draft.BeginAuthorization(auth.Ref); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return nil, err
	}
	if err := e.update(ctx, draft, domorder.StateCreated, logger); err != nil {
		outcome, statusText = "error", "REPO_UPDATE_FAILED"
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", draft.ID))
	span.AddEvent("checkout.authorizing",
		trace.WithAttributes(attribute.String("gateway.ref", auth.Ref)),
	)
	logger.Info("checkout_authorizing",
		observability.F("order_id", draft.ID),
		observability.F("amount", draft.TotalAmount.String()),
		observability.F("currency", draft.Currency),
	)

	return &SubmitResult{OrderID: draft.ID, State: draft.State, Authorization: auth}, nil
}

// replay maps an existing draft found via idempotency key back to a
// submission result: success if the original is still live, the original's
// failure otherwise.
func (e *Engine) replay(existing *domorder.Draft) (*SubmitResult, error) {
	if existing.State == domorder.StateFailed {
		reason := existing.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentDeclined, reason)
	}
	return &SubmitResult{
		OrderID:       existing.ID,
		State:         existing.State,
		Authorization: GatewayAuthorization{Ref: existing.GatewayRef},
		Replayed:      true,
	}, nil
}

type ConfirmResult struct {
	OrderID          string
	State            domorder.State
	GuestAccessToken string
	// FirstAuthorization is true only for the signal that actually moved the
	// order to authorized; duplicates see false.
	FirstAuthorization bool
}

// Confirm merges one confirmation signal into the order's payment state.
// Success is idempotent and commutative across channels: whichever signal
// arrives first authorizes the order, every later success is a no-op, and a
// late failure after authorization is logged and ignored.
func (e *Engine) Confirm(ctx context.Context, orderID string, signal Signal) (_ *ConfirmResult, err error) {
	logger := logctx.FromOr(ctx, e.log).With(
		observability.F("use_case", useCaseConfirm),
		observability.F("order_id", orderID),
		observability.F("source", string(signal.Source)),
	)

	ctx, span := e.tel.Tracer().Start(ctx, spanPrefix+"ConfirmPayment",
		attribute.String("use_case", useCaseConfirm),
		attribute.String("order.id", orderID),
		attribute.String("signal.source", string(signal.Source)),
		attribute.Bool("signal.approved", signal.Approved),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	defer func() {
		e.finish(ctx, span, logger, useCaseConfirm, outcome, statusText, start, err)
	}()

	unlock := e.locks.Lock(orderID)
	defer unlock()

	draft, err := e.repo.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			outcome, statusText = "error", "ORDER_NOT_FOUND"
			return nil, ErrOrderNotFound
		}
		outcome, statusText = "error", "ORDER_LOAD_FAILED"
		return nil, err
	}

	e.signalCounter.Add(1,
		observability.L("source", string(signal.Source)),
		observability.L("approved", fmt.Sprintf("%t", signal.Approved)),
	)

	if signal.Approved {
		return e.confirmSuccess(ctx, draft, signal, logger, &outcome, &statusText)
	}
	return e.confirmFailure(ctx, draft, signal, logger, &outcome, &statusText)
}

func (e *Engine) confirmSuccess(ctx context.Context, draft *domorder.Draft, signal Signal, logger observability.Logger, outcome, statusText *string) (*ConfirmResult, error) {
	prior := draft.State

	if err := draft.AuthorizationSucceeded(); err != nil {
		if prior == domorder.StateFailed {
			// Success reported for an order we already failed: the channels
			// disagree. Keep the terminal state, record the anomaly.
			e.recordAnomaly(ctx, draft, signal, logger)
			*statusText = "SUCCESS_AFTER_FAILED_IGNORED"
			return &ConfirmResult{OrderID: draft.ID, State: draft.State}, nil
		}
		*outcome, *statusText = "error", "PREMATURE_SIGNAL"
		return nil, err
	}

	if prior != domorder.StateAuthorizing {
		// Duplicate success on an already-authorized or settled order.
		*statusText = "DUPLICATE_SUCCESS"
		return &ConfirmResult{
			OrderID:          draft.ID,
			State:            draft.State,
			GuestAccessToken: draft.GuestAccessToken,
		}, nil
	}

	if draft.Payer.IsGuest() {
		draft.GuestAccessToken = e.guests.IssueOrderToken(draft.ID, guestTokenValidity)
	}

	if err := e.update(ctx, draft, domorder.StateAuthorizing, logger); err != nil {
		*outcome, *statusText = "error", "REPO_UPDATE_FAILED"
		return nil, err
	}

	// Side effects run exactly once, on the signal that won the transition.
	if cerr := e.carts.Clear(ctx, draft.SessionID); cerr != nil {
		// The order is authorized regardless; a stale cart is recoverable.
		logger.Warn("cart_clear_failed",
			observability.F("session_id", draft.SessionID),
			observability.F("error", cerr.Error()),
		)
	}
	e.publish(ctx, domorder.NewAuthorizedEvent(draft), logger)

	logger.Info("order_authorized",
		observability.F("winning_source", string(signal.Source)),
	)
	return &ConfirmResult{
		OrderID:            draft.ID,
		State:              draft.State,
		GuestAccessToken:   draft.GuestAccessToken,
		FirstAuthorization: true,
	}, nil
}

func (e *Engine) confirmFailure(ctx context.Context, draft *domorder.Draft, signal Signal, logger observability.Logger, outcome, statusText *string) (*ConfirmResult, error) {
	prior := draft.State

	if err := draft.AuthorizationFailed(signal.Reason); err != nil {
		if prior == domorder.StateAuthorized || prior == domorder.StateSettled {
			// The money already moved; never un-confirm an order the payer
			// may be looking at a receipt for.
			e.recordAnomaly(ctx, draft, signal, logger)
			*statusText = "FAILURE_AFTER_AUTHORIZED_IGNORED"
			return &ConfirmResult{
				OrderID:          draft.ID,
				State:            draft.State,
				GuestAccessToken: draft.GuestAccessToken,
			}, nil
		}
		*outcome, *statusText = "error", "STATE_TRANSITION_FAILED"
		return nil, err
	}

	if prior == domorder.StateFailed {
		*statusText = "DUPLICATE_FAILURE"
		return &ConfirmResult{OrderID: draft.ID, State: draft.State}, nil
	}

	if err := e.update(ctx, draft, prior, logger); err != nil {
		*outcome, *statusText = "error", "REPO_UPDATE_FAILED"
		return nil, err
	}

	// The cart is deliberately preserved: the payer retries without
	// re-entering items.
	logger.Info("order_payment_failed",
		observability.F("reason", signal.Reason),
	)
	return &ConfirmResult{OrderID: draft.ID, State: draft.State}, nil
}

// MarkSettled records the downstream fulfillment acknowledgment. Absence of
// this call never rolls back an authorized order.
func (e *Engine) MarkSettled(ctx context.Context, orderID string) error {
	logger := logctx.FromOr(ctx, e.log).With(observability.F("order_id", orderID))

	unlock := e.locks.Lock(orderID)
	defer unlock()

	draft, err := e.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if draft.State == domorder.StateSettled {
		return nil
	}
	if err := draft.MarkSettled(); err != nil {
		return err
	}
	if err := e.update(ctx, draft, domorder.StateAuthorized, logger); err != nil {
		return err
	}
	e.publish(ctx, domorder.NewSettledEvent(draft), logger)
	logger.Info("order_settled")
	return nil
}

// GetOrder returns an order for the payer. Guest orders require the
// order-scoped access token issued at authorization.
func (e *Engine) GetOrder(ctx context.Context, orderID, guestToken string) (*domorder.Draft, error) {
	draft, err := e.repo.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if draft.Payer.IsGuest() {
		if err := e.guests.VerifyOrderToken(orderID, guestToken); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
		}
	}
	return draft, nil
}

func (e *Engine) createAuthorization(ctx context.Context, draft *domorder.Draft, idempotencyKey string) (GatewayAuthorization, error) {
	gwCtx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	defer cancel()

	start := time.Now()
	auth, err := e.gateway.CreateAuthorization(gwCtx, draft.TotalAmount, draft.Currency, idempotencyKey)

	gwOutcome := "success"
	if err != nil {
		gwOutcome = "error"
	}
	e.extCounter.Add(1,
		observability.L("peer", gatewayPeer),
		observability.L("endpoint", gatewayEndpoint),
		observability.L("outcome", gwOutcome),
	)
	e.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", gatewayPeer),
		observability.L("endpoint", gatewayEndpoint),
	)
	return auth, err
}

func (e *Engine) failDraft(ctx context.Context, draft *domorder.Draft, reason string, logger observability.Logger) {
	prior := draft.State
	if err := draft.AuthorizationFailed(reason); err != nil {
		logger.Error("order_fail_transition_error", observability.F("error", err.Error()))
		return
	}
	if err := e.update(ctx, draft, prior, logger); err != nil {
		logger.Error("order_fail_update_error", observability.F("error", err.Error()))
	}
}

func (e *Engine) update(ctx context.Context, draft *domorder.Draft, expected domorder.State, logger observability.Logger) error {
	if err := e.repo.Update(ctx, draft, expected); err != nil {
		logger.Error("order_update_failed",
			observability.F("order_id", draft.ID),
			observability.F("error", err.Error()),
		)
		return fmt.Errorf("checkout: update order: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, event domoutbox.Event, logger observability.Logger) {
	if e.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(pubCtx, event); err != nil {
		logger.Warn("event_publish_failed",
			observability.F("event", event.EventName()),
			observability.F("error", err.Error()),
		)
	}
}

func (e *Engine) recordAnomaly(ctx context.Context, draft *domorder.Draft, signal Signal, logger observability.Logger) {
	e.anomalyCounter.Add(1, observability.L("source", string(signal.Source)))
	logger.Warn("confirmation_after_terminal_anomaly",
		observability.F("state", string(draft.State)),
		observability.F("approved", signal.Approved),
		observability.F("reason", signal.Reason),
	)
	e.publish(ctx, domorder.AuthorizationAnomalyEvent{
		OrderID:    draft.ID,
		Source:     string(signal.Source),
		Reason:     signal.Reason,
		State:      draft.State,
		OccurredAt: time.Now().UTC(),
	}, logger)
}

func (e *Engine) finish(ctx context.Context, span trace.Span, logger observability.Logger, useCase, outcome, statusText string, start time.Time, err error) {
	lat := time.Since(start).Seconds()

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()
	}

	e.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
	e.durHistogram.Observe(lat,
		observability.L("use_case", useCase),
	)

	fields := []observability.Field{
		observability.F("outcome", outcome),
		observability.F("status", statusText),
		observability.F("latency_seconds", lat),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	logger.Info("use_case_done", fields...)
}
