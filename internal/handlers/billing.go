package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

type BillingPlan struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	PriceCents    int     `json:"priceCents"`
	Currency      string  `json:"currency"`
	Interval      string  `json:"interval"`
	StripePriceID *string `json:"stripePriceId,omitempty"`
	IsActive      bool    `json:"isActive"`
}

type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	PlanID               string     `json:"planId"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	Status               string     `json:"status"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type Invoice struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	StripeInvoiceID  string     `json:"stripeInvoiceId"`
	AmountDue        int        `json:"amountDue"`
	AmountPaid       int        `json:"amountPaid"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	HostedInvoiceURL *string    `json:"hostedInvoiceUrl,omitempty"`
	PeriodStart      *time.Time `json:"periodStart,omitempty"`
	PeriodEnd        *time.Time `json:"periodEnd,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

var (
	stripeOnce   sync.Once
	stripeClient *client.API
)

func (h *Handler) stripe() *client.API {
	stripeOnce.Do(func() {
		if h.cfg.StripeSecretKey == "" {
			log.Printf("[Billing] Stripe secret key not configured, paid plans disabled")
			return
		}
		stripeClient = &client.API{}
		stripeClient.Init(h.cfg.StripeSecretKey, nil)
	})
	return stripeClient
}

// RegisterBillingRoutes wires the billing surface onto the main router.
func RegisterBillingRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/api/billing/plans", h.GetBillingPlans).Methods("GET")
	r.HandleFunc("/api/billing/subscription/user/{userId}", h.GetUserSubscription).Methods("GET")
	r.HandleFunc("/api/billing/subscription/user/{userId}", h.CreateSubscription).Methods("POST")
	r.HandleFunc("/api/billing/subscription/cancel/user/{userId}", h.CancelSubscription).Methods("POST")
	r.HandleFunc("/api/billing/invoices/user/{userId}", h.GetUserInvoices).Methods("GET")
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")
}

func (h *Handler) GetBillingPlans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, name, description, price_cents, currency, interval, stripe_price_id, is_active
		FROM public.billing_plans
		WHERE is_active = true
		ORDER BY price_cents ASC
	`)
	if err != nil {
		log.Printf("[Billing][Plans] query error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	plans := make([]BillingPlan, 0, 4)
	for rows.Next() {
		var p BillingPlan
		var desc, priceID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.PriceCents, &p.Currency, &p.Interval, &priceID, &p.IsActive); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if desc.Valid {
			p.Description = &desc.String
		}
		if priceID.Valid {
			p.StripePriceID = &priceID.String
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, plans)
}

func (h *Handler) GetUserSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var sub Subscription
	var stripeSubID, stripeCustID sql.NullString
	var periodStart, periodEnd, canceledAt sql.NullTime
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, user_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
		       current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		       created_at, updated_at
		FROM public.subscriptions
		WHERE user_id = $1
	`, userID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &stripeSubID, &stripeCustID, &sub.Status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &canceledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// No row means the implicit free tier.
		writeJSON(w, http.StatusOK, map[string]any{
			"planId":   "free",
			"status":   "active",
			"isActive": true,
		})
		return
	}
	if err != nil {
		log.Printf("[Billing][Subscription] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if stripeSubID.Valid {
		sub.StripeSubscriptionID = &stripeSubID.String
	}
	if stripeCustID.Valid {
		sub.StripeCustomerID = &stripeCustID.String
	}
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.CanceledAt = nullTimePtr(canceledAt)

	writeJSON(w, http.StatusOK, sub)
}

type createSubscriptionRequest struct {
	PlanID          string `json:"planId"`
	PaymentMethodID string `json:"paymentMethodId"`
	TrialDays       *int   `json:"trialDays,omitempty"`
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "planId is required")
		return
	}

	if req.PlanID == "free" {
		_, err := h.db.ExecContext(r.Context(), `
			INSERT INTO public.subscriptions (id, user_id, plan_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'active', NOW(), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				status = 'active',
				stripe_subscription_id = NULL,
				cancel_at_period_end = false,
				canceled_at = NULL,
				updated_at = NOW()
		`, fmt.Sprintf("sub_%s", randHex(12)), userID, req.PlanID)
		if err != nil {
			log.Printf("[Billing][CreateSubscription] free plan error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "planId": "free"})
		return
	}

	sc := h.stripe()
	if sc == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	var plan BillingPlan
	var priceID sql.NullString
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, name, price_cents, currency, stripe_price_id
		FROM public.billing_plans
		WHERE id = $1 AND is_active = true
	`, req.PlanID).Scan(&plan.ID, &plan.Name, &plan.PriceCents, &plan.Currency, &priceID)
	if err != nil {
		log.Printf("[Billing][CreateSubscription] plan lookup error userId=%s planId=%s: %v", userID, req.PlanID, err)
		writeError(w, http.StatusBadRequest, "Invalid plan")
		return
	}
	if !priceID.Valid || priceID.String == "" {
		writeError(w, http.StatusBadRequest, "Plan not configured for payment")
		return
	}

	var existing string
	err = h.db.QueryRowContext(r.Context(), `
		SELECT id FROM public.subscriptions
		WHERE user_id = $1 AND status = 'active' AND plan_id <> 'free'
	`, userID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err == nil {
		writeError(w, http.StatusBadRequest, "User already has an active subscription")
		return
	}

	var email sql.NullString
	_ = h.db.QueryRowContext(r.Context(), `SELECT email FROM public.users WHERE id = $1`, userID).Scan(&email)

	var customerID string
	err = h.db.QueryRowContext(r.Context(), `
		SELECT stripe_customer_id FROM public.subscriptions
		WHERE user_id = $1 AND stripe_customer_id IS NOT NULL
	`, userID).Scan(&customerID)
	if err == sql.ErrNoRows || customerID == "" {
		customerParams := &stripe.CustomerParams{}
		if email.Valid && email.String != "" {
			customerParams.Email = stripe.String(email.String)
		}
		customer, err := sc.Customers.New(customerParams)
		if err != nil {
			log.Printf("[Billing][CreateSubscription] customer creation error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "Failed to create customer")
			return
		}
		customerID = customer.ID
	}

	if req.PaymentMethodID != "" {
		if _, err := sc.PaymentMethods.Attach(req.PaymentMethodID, &stripe.PaymentMethodAttachParams{
			Customer: stripe.String(customerID),
		}); err != nil {
			log.Printf("[Billing][CreateSubscription] payment method attach error userId=%s: %v", userID, err)
			writeError(w, http.StatusBadRequest, "Invalid payment method")
			return
		}
		if _, err := sc.Customers.Update(customerID, &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(req.PaymentMethodID),
			},
		}); err != nil {
			log.Printf("[Billing][CreateSubscription] default payment method error userId=%s: %v", userID, err)
		}
	}

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID.String)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		Expand:          []*string{stripe.String("latest_invoice.payment_intent")},
	}
	if req.TrialDays != nil && *req.TrialDays > 0 {
		subParams.TrialPeriodDays = stripe.Int64(int64(*req.TrialDays))
	}

	subscription, err := sc.Subscriptions.New(subParams)
	if err != nil {
		log.Printf("[Billing][CreateSubscription] subscription creation error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	subID := fmt.Sprintf("sub_%s", randHex(12))
	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO public.subscriptions (
			id, user_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
			current_period_start, current_period_end, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = false,
			canceled_at = NULL,
			updated_at = NOW()
	`, subID, userID, req.PlanID, subscription.ID, customerID, string(subscription.Status),
		time.Unix(subscription.CurrentPeriodStart, 0), time.Unix(subscription.CurrentPeriodEnd, 0))
	if err != nil {
		log.Printf("[Billing][CreateSubscription] database save error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"subscriptionId":       subID,
		"stripeSubscriptionId": subscription.ID,
		"status":               subscription.Status,
	}
	if subscription.LatestInvoice != nil && subscription.LatestInvoice.PaymentIntent != nil {
		resp["clientSecret"] = subscription.LatestInvoice.PaymentIntent.ClientSecret
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		CancelAtPeriodEnd bool `json:"cancelAtPeriodEnd"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var stripeSubID string
	err := h.db.QueryRowContext(r.Context(), `
		SELECT stripe_subscription_id
		FROM public.subscriptions
		WHERE user_id = $1 AND stripe_subscription_id IS NOT NULL
	`, userID).Scan(&stripeSubID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "No active subscription found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sc := h.stripe()
	if sc == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	if req.CancelAtPeriodEnd {
		_, err = sc.Subscriptions.Update(stripeSubID, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		_, err = sc.Subscriptions.Cancel(stripeSubID, &stripe.SubscriptionCancelParams{})
	}
	if err != nil {
		log.Printf("[Billing][CancelSubscription] Stripe cancel error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to cancel subscription")
		return
	}

	if req.CancelAtPeriodEnd {
		_, err = h.db.ExecContext(r.Context(), `
			UPDATE public.subscriptions
			SET cancel_at_period_end = true, canceled_at = NOW(), updated_at = NOW()
			WHERE user_id = $1
		`, userID)
	} else {
		_, err = h.db.ExecContext(r.Context(), `
			UPDATE public.subscriptions
			SET status = 'canceled', cancel_at_period_end = false, canceled_at = NOW(), updated_at = NOW()
			WHERE user_id = $1
		`, userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) GetUserInvoices(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := parseLimit(r, 20, 1, 100)

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, stripe_invoice_id, amount_due, amount_paid, currency, status,
		       hosted_invoice_url, period_start, period_end, created_at
		FROM public.invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Billing][Invoices] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	invoices := make([]Invoice, 0, 8)
	for rows.Next() {
		var inv Invoice
		var hostedURL sql.NullString
		var periodStart, periodEnd sql.NullTime
		if err := rows.Scan(&inv.ID, &inv.StripeInvoiceID, &inv.AmountDue, &inv.AmountPaid,
			&inv.Currency, &inv.Status, &hostedURL, &periodStart, &periodEnd, &inv.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if hostedURL.Valid {
			inv.HostedInvoiceURL = &hostedURL.String
		}
		inv.PeriodStart = nullTimePtr(periodStart)
		inv.PeriodEnd = nullTimePtr(periodEnd)
		inv.UserID = userID
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, invoices)
}

// StripeWebhook ingests subscription lifecycle events. With a webhook secret
// configured the signature is verified; without one the payload is trusted,
// which is only acceptable in local development.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var event stripe.Event
	if h.cfg.StripeWebhookSecret != "" {
		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			writeError(w, http.StatusBadRequest, "Missing signature")
			return
		}
		event, err = webhook.ConstructEvent(payload, sig, h.cfg.StripeWebhookSecret)
		if err != nil {
			log.Printf("[Billing][Webhook] signature verification error: %v", err)
			writeError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
	} else {
		log.Printf("[Billing][Webhook] webhook secret not set, skipping signature verification")
		if err := json.Unmarshal(payload, &event); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	h.processStripeEvent(event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(event stripe.Event) {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		h.handleSubscriptionEvent(event)
	case "customer.subscription.deleted":
		h.handleSubscriptionCancellation(event)
	case "invoice.payment_succeeded":
		h.handlePaymentSuccess(event)
	case "invoice.payment_failed":
		h.handlePaymentFailure(event)
	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
	}
}

func (h *Handler) handleSubscriptionEvent(event stripe.Event) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		log.Printf("[Billing][SubscriptionEvent] unmarshal error: %v", err)
		return
	}

	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = $2, current_period_start = $3, current_period_end = $4,
		    cancel_at_period_end = $5, updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, subscription.ID, string(subscription.Status),
		time.Unix(subscription.CurrentPeriodStart, 0),
		time.Unix(subscription.CurrentPeriodEnd, 0),
		subscription.CancelAtPeriodEnd)
	if err != nil {
		log.Printf("[Billing][SubscriptionEvent] update error: %v", err)
	}
}

func (h *Handler) handleSubscriptionCancellation(event stripe.Event) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		log.Printf("[Billing][CancellationEvent] unmarshal error: %v", err)
		return
	}

	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, subscription.ID)
	if err != nil {
		log.Printf("[Billing][CancellationEvent] update error: %v", err)
	}
}

func (h *Handler) handlePaymentSuccess(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentSuccess] unmarshal error: %v", err)
		return
	}
	if invoice.Customer == nil {
		return
	}

	var userID string
	err := h.db.QueryRow(`
		SELECT user_id FROM public.subscriptions
		WHERE stripe_customer_id = $1
	`, invoice.Customer.ID).Scan(&userID)
	if err != nil {
		log.Printf("[Billing][PaymentSuccess] user lookup error: %v", err)
		return
	}

	var periodStart, periodEnd *time.Time
	if invoice.PeriodStart > 0 {
		t := time.Unix(invoice.PeriodStart, 0)
		periodStart = &t
	}
	if invoice.PeriodEnd > 0 {
		t := time.Unix(invoice.PeriodEnd, 0)
		periodEnd = &t
	}

	_, err = h.db.Exec(`
		INSERT INTO public.invoices (
			id, user_id, stripe_invoice_id, amount_due, amount_paid, currency, status,
			hosted_invoice_url, period_start, period_end, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (stripe_invoice_id) DO NOTHING
	`, fmt.Sprintf("inv_%s", randHex(12)), userID, invoice.ID, invoice.AmountDue, invoice.AmountPaid,
		string(invoice.Currency), string(invoice.Status), invoice.HostedInvoiceURL, periodStart, periodEnd)
	if err != nil {
		log.Printf("[Billing][PaymentSuccess] invoice save error: %v", err)
	}
}

func (h *Handler) handlePaymentFailure(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentFailure] unmarshal error: %v", err)
		return
	}
	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	log.Printf("[Billing][PaymentFailure] payment failed invoice=%s customer=%s", invoice.ID, customerID)

	var userID string
	if err := h.db.QueryRow(`
		SELECT user_id FROM public.subscriptions WHERE stripe_customer_id = $1
	`, customerID).Scan(&userID); err == nil {
		body := "A subscription payment failed. Please update your payment method."
		h.createNotification(userID, "payment_failed", "Payment failed", &body, nil)
	}
}
