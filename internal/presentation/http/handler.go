package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	appcart "github.com/canteenhq/orderflow/internal/application/cart"
	appcheckout "github.com/canteenhq/orderflow/internal/application/checkout"
	appguestauth "github.com/canteenhq/orderflow/internal/application/guestauth"
	applocation "github.com/canteenhq/orderflow/internal/application/location"
	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	"github.com/canteenhq/orderflow/internal/domain/menu"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	"github.com/canteenhq/orderflow/internal/observability"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerSessionID      = "X-Session-ID"
	headerOrderToken     = "X-Order-Token"
	headerSignature      = "X-Gateway-Signature"
)

// Catalog resolves the product snapshot for add-to-cart requests.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (menu.Product, error)
}

// WebhookVerifier checks the signature the gateway attaches to webhook
// deliveries.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) error
}

type Handler struct {
	carts    *appcart.Service
	guard    *applocation.Guard
	guests   *appguestauth.Service
	engine   *appcheckout.Engine
	catalog  Catalog
	webhooks WebhookVerifier
	metrics  http.Handler
	log      observability.Logger
	tel      observability.Observability
}

func NewHandler(
	carts *appcart.Service,
	guard *applocation.Guard,
	guests *appguestauth.Service,
	engine *appcheckout.Engine,
	catalog Catalog,
	webhooks WebhookVerifier,
	metricsHandler http.Handler,
	tel observability.Observability,
) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		carts:    carts,
		guard:    guard,
		guests:   guests,
		engine:   engine,
		catalog:  catalog,
		webhooks: webhooks,
		metrics:  metricsHandler,
		log:      tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:      tel,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(ObservabilityMiddleware(h.log, h.tel))

	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/cart", func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/", h.handleGetCart)
		r.Delete("/", h.handleClearCart)
		r.Post("/items", h.handleAddItem)
		r.Put("/items/{key}", h.handleSetQuantity)
		r.Delete("/items/{key}", h.handleRemoveItem)
	})

	r.Get("/locations", h.handleListLocations)
	r.With(h.requireSession).Post("/location/plan", h.handlePlanRebind)
	r.With(h.requireSession).Post("/location/commit", h.handleCommitRebind)

	r.With(h.requireSession).Post("/guest/authorization", h.handleGuestAuthorization)
	r.With(h.requireSession).Post("/checkout", h.handleCheckout)
	r.Post("/checkout/{orderID}/confirm", h.handleConfirm)
	r.Post("/webhooks/gateway", h.handleGatewayWebhook)
	r.Get("/orders/{orderID}", h.handleGetOrder)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requireSession rejects cart-scoped requests without a session identifier.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerSessionID) == "" {
			writeError(w, http.StatusBadRequest, errors.New("X-Session-ID header is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionID(r *http.Request) string { return r.Header.Get(headerSessionID) }

// --- cart ---

type selectionDTO struct {
	GroupID   string   `json:"group_id"`
	OptionIDs []string `json:"option_ids"`
}

type cartItemResponse struct {
	IdentityKey string         `json:"identity_key"`
	ProductID   string         `json:"product_id"`
	Name        string         `json:"name"`
	Quantity    int            `json:"quantity"`
	UnitPrice   string         `json:"unit_price"`
	LineTotal   string         `json:"line_total"`
	Selections  []selectionDTO `json:"selections,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

type cartResponse struct {
	Items      []cartItemResponse `json:"items"`
	LocationID string             `json:"location_id,omitempty"`
	ItemCount  int                `json:"item_count"`
	Total      string             `json:"total"`
}

func renderCart(c *domcart.Cart) cartResponse {
	resp := cartResponse{
		Items:      make([]cartItemResponse, len(c.Items)),
		LocationID: c.LocationID,
		ItemCount:  c.ItemCount(),
		Total:      c.Total().StringFixed(2),
	}
	for i, item := range c.Items {
		selections := make([]selectionDTO, len(item.Selections))
		for j, sel := range item.Selections {
			selections[j] = selectionDTO{GroupID: sel.GroupID, OptionIDs: sel.OptionIDs}
		}
		resp.Items[i] = cartItemResponse{
			IdentityKey: item.IdentityKey,
			ProductID:   item.ProductID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.StringFixed(2),
			LineTotal:   item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).StringFixed(2),
			Selections:  selections,
			Notes:       item.Notes,
		}
	}
	return resp
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Get(r.Context(), sessionID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCart(c))
}

type addItemRequest struct {
	ProductID  string         `json:"product_id"`
	Quantity   int            `json:"quantity"`
	Selections []selectionDTO `json:"selections,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
}

type addItemResponse struct {
	Denied       bool          `json:"denied"`
	Reason       string        `json:"reason,omitempty"`
	CurrentStock *int          `json:"current_stock,omitempty"`
	Cart         *cartResponse `json:"cart,omitempty"`
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := h.catalog.GetProduct(r.Context(), req.ProductID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	selections := make([]domcart.Selection, len(req.Selections))
	for i, sel := range req.Selections {
		selections[i] = domcart.Selection{GroupID: sel.GroupID, OptionIDs: sel.OptionIDs}
	}

	result, err := h.carts.AddItem(r.Context(), sessionID(r), product, req.Quantity, selections, req.Notes, req.LocationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if result.Denied {
		stock := result.CurrentStock
		writeJSON(w, http.StatusConflict, addItemResponse{
			Denied:       true,
			Reason:       result.Reason,
			CurrentStock: &stock,
		})
		return
	}

	c, err := h.carts.Get(r.Context(), sessionID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	body := renderCart(c)
	writeJSON(w, http.StatusOK, addItemResponse{Cart: &body})
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.carts.SetQuantity(r.Context(), sessionID(r), chi.URLParam(r, "key"), req.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	h.handleGetCart(w, r)
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.RemoveItem(r.Context(), sessionID(r), chi.URLParam(r, "key")); err != nil {
		writeDomainError(w, err)
		return
	}
	h.handleGetCart(w, r)
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), sessionID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- locations ---

type locationResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.guard.Locations(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]locationResponse, len(locations))
	for i, loc := range locations {
		resp[i] = locationResponse{ID: loc.ID, Name: loc.Name}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": resp})
}

type planRebindRequest struct {
	LocationID string `json:"location_id"`
}

func (h *Handler) handlePlanRebind(w http.ResponseWriter, r *http.Request) {
	var req planRebindRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.LocationID == "" {
		writeError(w, http.StatusBadRequest, errors.New("location_id is required"))
		return
	}

	plan, err := h.guard.PlanRebind(r.Context(), sessionID(r), req.LocationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleCommitRebind(w http.ResponseWriter, r *http.Request) {
	var plan applocation.RebindPlan
	if err := decodeJSON(r, &plan); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The plan belongs to the caller's session regardless of what the body
	// claims.
	plan.SessionID = sessionID(r)

	if err := h.guard.CommitRebind(r.Context(), &plan); err != nil {
		writeDomainError(w, err)
		return
	}
	h.handleGetCart(w, r)
}

// --- guest authorization ---

type guestAuthorizationRequest struct {
	ProofToken string `json:"proof_token"`
}

type guestAuthorizationResponse struct {
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"signature"`
}

func (h *Handler) handleGuestAuthorization(w http.ResponseWriter, r *http.Request) {
	var req guestAuthorizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	auth, err := h.guests.Ensure(r.Context(), sessionID(r), req.ProofToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guestAuthorizationResponse{
		Nonce:     auth.Nonce,
		IssuedAt:  auth.IssuedAt.Unix(),
		ExpiresAt: auth.ExpiresAt.Unix(),
		Signature: auth.Signature,
	})
}

// --- checkout ---

type guestContactDTO struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type checkoutRequest struct {
	SubmissionID string                      `json:"submission_id"`
	UserID       string                      `json:"user_id,omitempty"`
	Guest        *guestContactDTO            `json:"guest,omitempty"`
	GuestAuth    *guestAuthorizationResponse `json:"guest_authorization,omitempty"`
}

type checkoutResponse struct {
	OrderID      string `json:"order_id"`
	State        string `json:"state"`
	GatewayRef   string `json:"gateway_ref,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	input := appcheckout.SubmitInput{
		SessionID:    sessionID(r),
		SubmissionID: req.SubmissionID,
		Payer:        domorder.PayerIdentity{UserID: req.UserID},
	}
	if req.Guest != nil {
		input.Payer.Guest = &domorder.GuestContact{
			Name:  req.Guest.Name,
			Email: req.Guest.Email,
			Phone: req.Guest.Phone,
		}
	}
	if req.GuestAuth != nil {
		input.GuestAuth = &domauth.Authorization{
			Nonce:     req.GuestAuth.Nonce,
			IssuedAt:  time.Unix(req.GuestAuth.IssuedAt, 0).UTC(),
			ExpiresAt: time.Unix(req.GuestAuth.ExpiresAt, 0).UTC(),
			Signature: req.GuestAuth.Signature,
		}
	}

	result, err := h.engine.Submit(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		OrderID:      result.OrderID,
		State:        string(result.State),
		GatewayRef:   result.Authorization.Ref,
		ClientSecret: result.Authorization.ClientSecret,
		Replayed:     result.Replayed,
	})
}

type confirmRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type confirmResponse struct {
	OrderID          string `json:"order_id"`
	State            string `json:"state"`
	GuestAccessToken string `json:"guest_access_token,omitempty"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.engine.Confirm(r.Context(), chi.URLParam(r, "orderID"), appcheckout.Signal{
		Source:   appcheckout.SourceClient,
		Approved: req.Approved,
		Reason:   req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		OrderID:          result.OrderID,
		State:            string(result.State),
		GuestAccessToken: result.GuestAccessToken,
	})
}

type gatewayWebhookPayload struct {
	EventID  string `json:"event_id"`
	OrderID  string `json:"order_id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.webhooks != nil {
		if err := h.webhooks.VerifyWebhookSignature(payload, r.Header.Get(headerSignature)); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
	}

	var event gatewayWebhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if event.OrderID == "" {
		writeError(w, http.StatusBadRequest, errors.New("order_id is required"))
		return
	}

	_, err = h.engine.Confirm(r.Context(), event.OrderID, appcheckout.Signal{
		Source:   appcheckout.SourceWebhook,
		Approved: event.Approved,
		Reason:   event.Reason,
	})
	if err != nil {
		// Non-2xx makes the gateway redeliver; a webhook that outran the
		// submission transaction resolves itself on retry.
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- orders ---

type orderLineResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type orderResponse struct {
	OrderID       string              `json:"order_id"`
	State         string              `json:"state"`
	LocationID    string              `json:"location_id"`
	Lines         []orderLineResponse `json:"lines"`
	Currency      string              `json:"currency"`
	TotalAmount   string              `json:"total_amount"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	draft, err := h.engine.GetOrder(r.Context(), chi.URLParam(r, "orderID"), r.Header.Get(headerOrderToken))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	lines := make([]orderLineResponse, len(draft.Lines))
	for i, line := range draft.Lines {
		lines[i] = orderLineResponse{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.StringFixed(2),
		}
	}
	writeJSON(w, http.StatusOK, orderResponse{
		OrderID:       draft.ID,
		State:         string(draft.State),
		LocationID:    draft.LocationID,
		Lines:         lines,
		Currency:      draft.Currency,
		TotalAmount:   draft.TotalAmount.StringFixed(2),
		FailureReason: draft.FailureReason,
		CreatedAt:     draft.CreatedAt,
	})
}

// --- helpers ---

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appcheckout.ErrOrderNotFound),
		errors.Is(err, domorder.ErrNotFound),
		errors.Is(err, menu.ErrProductNotFound),
		errors.Is(err, domcart.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, appcheckout.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, appcheckout.ErrValidation),
		errors.Is(err, domcart.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, applocation.ErrStalePlan),
		errors.Is(err, domorder.ErrInvalidStateTransition),
		errors.Is(err, domorder.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domauth.ErrReplay),
		errors.Is(err, domauth.ErrExpired),
		errors.Is(err, domauth.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, appcheckout.ErrPaymentDeclined):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, appcheckout.ErrPaymentAmbiguous):
		writeError(w, http.StatusAccepted, err)
	case errors.Is(err, appguestauth.ErrVerificationUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
