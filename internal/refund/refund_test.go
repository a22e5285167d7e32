package refund

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keyforge/marketpay/internal/gateway"
	"github.com/keyforge/marketpay/internal/wallet"
)

const (
	buyer  = "usr_buyer001"
	seller = "usr_seller01"
	admin  = "usr_admin001"
)

type fixture struct {
	svc    *Service
	store  *MemoryStore
	orders *MemoryOrderStore
	keys   *MemoryLicenseKeyStore
	ledger *wallet.Ledger
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	if policy.RefundWindow == 0 {
		policy.RefundWindow = 14 * 24 * time.Hour
	}
	if policy.SellerReviewTimeout == 0 {
		policy.SellerReviewTimeout = 48 * time.Hour
	}

	f := &fixture{
		store:  NewMemoryStore(),
		orders: NewMemoryOrderStore(),
		keys:   NewMemoryLicenseKeyStore(),
		ledger: wallet.New(wallet.NewMemoryStore("USD"), "USD", nil),
	}
	f.svc = NewService(f.store, f.orders, f.keys, f.ledger, policy, nil)
	return f
}

func (f *fixture) seedOrder(t *testing.T, id string, total float64, completedAgo time.Duration) {
	t.Helper()
	completed := time.Now().Add(-completedAgo)
	f.orders.Put(&OrderInfo{
		ID:          id,
		BuyerID:     buyer,
		SellerID:    seller,
		ProductID:   "prd_game01",
		Total:       total,
		Status:      "completed",
		CaptureID:   "cap_" + id,
		CompletedAt: &completed,
	})
}

func (f *fixture) sellerBalance(t *testing.T) float64 {
	t.Helper()
	acct, err := f.ledger.GetBalance(context.Background(), seller)
	if err != nil {
		t.Fatalf("GetBalance(seller): %v", err)
	}
	return acct.Balance
}

func (f *fixture) buyerBalance(t *testing.T) float64 {
	t.Helper()
	acct, err := f.ledger.GetBalance(context.Background(), buyer)
	if err != nil {
		t.Fatalf("GetBalance(buyer): %v", err)
	}
	return acct.Balance
}

func TestRefund_FullWalletFlow(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_1", 50.00, time.Hour)
	if _, err := f.ledger.Credit(ctx, seller, 200.00, "sales", wallet.Meta{}); err != nil {
		t.Fatalf("seed seller wallet: %v", err)
	}

	r, err := f.svc.Create(ctx, CreateRequest{
		OrderID: "ord_1",
		BuyerID: buyer,
		Reason:  "game key does not activate",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if r.Status != StatusSellerReview {
		t.Errorf("Status = %s, want SELLER_REVIEW", r.Status)
	}
	if r.RequestedAmount != 50.00 {
		t.Errorf("RequestedAmount = %v, want order total 50.00", r.RequestedAmount)
	}
	if r.SellerReviewStartedAt == nil {
		t.Error("SellerReviewStartedAt should be set")
	}

	// Seller rejects: advisory only, the request escalates to admin.
	r, err = f.svc.SellerDecide(ctx, r.ID, seller, false, "user played 40 hours")
	if err != nil {
		t.Fatalf("SellerDecide failed: %v", err)
	}
	if r.Status != StatusAdminReview {
		t.Errorf("Status = %s, want ADMIN_REVIEW", r.Status)
	}
	if r.SellerRespondedAt == nil {
		t.Error("SellerRespondedAt should be set")
	}

	// Admin overrides the seller: approval moves the money.
	r, err = f.svc.AdminDecide(ctx, r.ID, admin, true, "", "buyer evidence is conclusive")
	if err != nil {
		t.Fatalf("AdminDecide failed: %v", err)
	}
	if r.Status != StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", r.Status)
	}
	if r.RefundAmount == nil || *r.RefundAmount != 50.00 {
		t.Errorf("RefundAmount = %v, want 50.00", r.RefundAmount)
	}
	if r.RefundTransactionID == "" {
		t.Error("RefundTransactionID should reference the buyer credit")
	}
	if r.RefundedAt == nil {
		t.Error("RefundedAt should be set")
	}

	if got := f.sellerBalance(t); got != 150.00 {
		t.Errorf("seller balance = %v, want 150.00", got)
	}
	if got := f.buyerBalance(t); got != 50.00 {
		t.Errorf("buyer balance = %v, want 50.00", got)
	}

	// Order flagged refunded.
	if refundID, ok := f.orders.RefundedBy("ord_1"); !ok || refundID != r.ID {
		t.Errorf("order not flagged refunded: %q %v", refundID, ok)
	}

	// History records the whole chain, in order.
	actions := make([]string, len(r.History))
	for i, h := range r.History {
		actions[i] = h.Action
	}
	want := []string{"refund_requested", "seller_rejected", "escalated_to_admin", "admin_approved", "refund_completed"}
	if len(actions) != len(want) {
		t.Fatalf("history = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestRefund_CreditedExactlyOnceAfterCrash(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_2", 30.00, time.Hour)
	if _, err := f.ledger.Credit(ctx, seller, 100.00, "sales", wallet.Meta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r, _ := f.svc.Create(ctx, CreateRequest{OrderID: "ord_2", BuyerID: buyer, Reason: "broken"})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, true, "")
	r, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", "")
	if err != nil || r.Status != StatusCompleted {
		t.Fatalf("AdminDecide: %v, status %s", err, r.Status)
	}

	// Simulate a crash that moved money but lost the status write: rewind the
	// stored request to ADMIN_REVIEW and decide again.
	rewound, _ := f.store.Get(ctx, r.ID)
	rewound.Status = StatusAdminReview
	rewound.RefundAmount = nil
	rewound.RefundedAt = nil
	if err := f.store.Update(ctx, rewound); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	r2, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", "")
	if err != nil {
		t.Fatalf("second AdminDecide: %v", err)
	}
	if r2.Status != StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", r2.Status)
	}

	// The wallet moved exactly once across both attempts.
	if got := f.buyerBalance(t); got != 30.00 {
		t.Errorf("buyer balance = %v, want 30.00 (single credit)", got)
	}
	if got := f.sellerBalance(t); got != 70.00 {
		t.Errorf("seller balance = %v, want 70.00 (single debit)", got)
	}
}

func TestRefund_InsufficientSellerFundsParksOnHold(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_3", 80.00, time.Hour)
	if _, err := f.ledger.Credit(ctx, seller, 10.00, "thin balance", wallet.Meta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r, _ := f.svc.Create(ctx, CreateRequest{OrderID: "ord_3", BuyerID: buyer, Reason: "refund me"})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, true, "")
	r, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", "")
	if err != nil {
		t.Fatalf("AdminDecide: %v", err)
	}
	if r.Status != StatusOnHold {
		t.Fatalf("Status = %s, want ON_HOLD_INSUFFICIENT_FUNDS", r.Status)
	}

	// No partial movement at all.
	if got := f.sellerBalance(t); got != 10.00 {
		t.Errorf("seller balance = %v, want 10.00 untouched", got)
	}
	if got := f.buyerBalance(t); got != 0.00 {
		t.Errorf("buyer balance = %v, want 0", got)
	}

	// Retry while still broke: stays held.
	if _, err := f.svc.RetryHeld(ctx, r.ID); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("RetryHeld while broke: %v, want ErrInsufficientFunds", err)
	}

	// Funds arrive; retry completes the refund.
	if _, err := f.ledger.Credit(ctx, seller, 100.00, "new sale", wallet.Meta{}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	r, err = f.svc.RetryHeld(ctx, r.ID)
	if err != nil {
		t.Fatalf("RetryHeld: %v", err)
	}
	if r.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", r.Status)
	}
	if got := f.buyerBalance(t); got != 80.00 {
		t.Errorf("buyer balance = %v, want 80.00", got)
	}
}

func TestRefund_WindowClosed(t *testing.T) {
	f := newFixture(t, Policy{RefundWindow: 14 * 24 * time.Hour})
	f.seedOrder(t, "ord_old", 20.00, 15*24*time.Hour)

	_, err := f.svc.Create(context.Background(), CreateRequest{
		OrderID: "ord_old", BuyerID: buyer, Reason: "too late",
	})
	if !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
}

func TestRefund_OrderNotCompleted(t *testing.T) {
	f := newFixture(t, Policy{})
	f.orders.Put(&OrderInfo{ID: "ord_open", BuyerID: buyer, SellerID: seller, Total: 10, Status: "paid"})

	_, err := f.svc.Create(context.Background(), CreateRequest{
		OrderID: "ord_open", BuyerID: buyer, Reason: "early",
	})
	if !errors.Is(err, ErrOrderNotCompleted) {
		t.Fatalf("expected ErrOrderNotCompleted, got %v", err)
	}
}

func TestRefund_OnlyBuyerMayFile(t *testing.T) {
	f := newFixture(t, Policy{})
	f.seedOrder(t, "ord_4", 10.00, time.Hour)

	_, err := f.svc.Create(context.Background(), CreateRequest{
		OrderID: "ord_4", BuyerID: "usr_stranger", Reason: "not mine",
	})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestRefund_PartialKeysSumAmount(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_5", 100.00, time.Hour)
	f.keys.Put(LicenseKey{ID: "key_aaaa1111", OrderID: "ord_5", Price: 19.99})
	f.keys.Put(LicenseKey{ID: "key_bbbb2222", OrderID: "ord_5", Price: 9.99})
	f.keys.Put(LicenseKey{ID: "key_cccc3333", OrderID: "ord_other", Price: 5.00})

	r, err := f.svc.Create(ctx, CreateRequest{
		OrderID:       "ord_5",
		BuyerID:       buyer,
		Reason:        "two keys dead",
		LicenseKeyIDs: []string{"key_aaaa1111", "key_bbbb2222"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.RequestedAmount != 29.98 {
		t.Errorf("RequestedAmount = %v, want 29.98", r.RequestedAmount)
	}

	// Key from another order is rejected.
	_, err = f.svc.Create(ctx, CreateRequest{
		OrderID:       "ord_5",
		BuyerID:       buyer,
		Reason:        "sneaky",
		LicenseKeyIDs: []string{"key_cccc3333"},
	})
	if !errors.Is(err, ErrUnknownLicenseKey) {
		t.Fatalf("expected ErrUnknownLicenseKey, got %v", err)
	}

	// Unknown key ID is rejected.
	_, err = f.svc.Create(ctx, CreateRequest{
		OrderID:       "ord_5",
		BuyerID:       buyer,
		Reason:        "ghost key",
		LicenseKeyIDs: []string{"key_dddd4444"},
	})
	if !errors.Is(err, ErrUnknownLicenseKey) {
		t.Fatalf("expected ErrUnknownLicenseKey, got %v", err)
	}
}

func TestRefund_CompletionRevokesKeys(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_6", 40.00, time.Hour)
	f.keys.Put(LicenseKey{ID: "key_eeee5555", OrderID: "ord_6", Price: 40.00})
	if _, err := f.ledger.Credit(ctx, seller, 50.00, "sales", wallet.Meta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r, _ := f.svc.Create(ctx, CreateRequest{
		OrderID: "ord_6", BuyerID: buyer, Reason: "dead key",
		LicenseKeyIDs: []string{"key_eeee5555"},
	})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, true, "")
	if _, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", ""); err != nil {
		t.Fatalf("AdminDecide: %v", err)
	}

	if !f.keys.Revoked("key_eeee5555") {
		t.Error("refunded license key should be revoked")
	}
}

func TestRefund_SellerDecideAuthorization(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_7", 10.00, time.Hour)

	r, _ := f.svc.Create(ctx, CreateRequest{OrderID: "ord_7", BuyerID: buyer, Reason: "x"})

	if _, err := f.svc.SellerDecide(ctx, r.ID, "usr_intruder", true, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	if _, err := f.svc.SellerDecide(ctx, r.ID, seller, true, ""); err != nil {
		t.Fatalf("SellerDecide: %v", err)
	}
	// Second decision: the request already left SELLER_REVIEW.
	if _, err := f.svc.SellerDecide(ctx, r.ID, seller, false, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRefund_AdminRejectIsTerminal(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_8", 10.00, time.Hour)

	r, _ := f.svc.Create(ctx, CreateRequest{OrderID: "ord_8", BuyerID: buyer, Reason: "x"})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, false, "")

	r, err := f.svc.AdminDecide(ctx, r.ID, admin, false, "", "abuse pattern")
	if err != nil {
		t.Fatalf("AdminDecide: %v", err)
	}
	if r.Status != StatusAdminRejected {
		t.Fatalf("Status = %s, want ADMIN_REJECTED", r.Status)
	}

	if _, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := f.svc.MarkManualRefund(ctx, r.ID, admin, "wire-1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestRefund_OriginalPaymentViaGateway(t *testing.T) {
	f := newFixture(t, Policy{})
	fake := gateway.NewFake()
	f.svc.WithProvider(fake)
	ctx := context.Background()
	f.seedOrder(t, "ord_9", 25.00, time.Hour)

	r, _ := f.svc.Create(ctx, CreateRequest{
		OrderID: "ord_9", BuyerID: buyer, Reason: "x", Method: "ORIGINAL_PAYMENT",
	})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, true, "")
	r, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", "")
	if err != nil {
		t.Fatalf("AdminDecide: %v", err)
	}
	if r.Status != StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED via gateway", r.Status)
	}
	if r.RefundTransactionID == "" {
		t.Error("expected gateway refund reference")
	}
	if len(fake.Refunds) != 1 {
		t.Errorf("gateway refunds = %d, want 1", len(fake.Refunds))
	}
}

func TestRefund_GatewayFailureWaitsForManual(t *testing.T) {
	f := newFixture(t, Policy{})
	fake := gateway.NewFake()
	fake.RefundErr = gateway.ErrGateway
	f.svc.WithProvider(fake)
	ctx := context.Background()
	f.seedOrder(t, "ord_10", 25.00, time.Hour)

	r, _ := f.svc.Create(ctx, CreateRequest{
		OrderID: "ord_10", BuyerID: buyer, Reason: "x", Method: "ORIGINAL_PAYMENT",
	})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, true, "")
	r, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", "")
	if err != nil {
		t.Fatalf("AdminDecide: %v", err)
	}
	if r.Status != StatusWaitingForManual {
		t.Fatalf("Status = %s, want WAITING_FOR_MANUAL_REFUND", r.Status)
	}

	// Admin reconciles with the provider and records the manual completion.
	r, err = f.svc.MarkManualRefund(ctx, r.ID, admin, "provider-ref-123")
	if err != nil {
		t.Fatalf("MarkManualRefund: %v", err)
	}
	if r.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", r.Status)
	}
	if r.RefundTransactionID != "provider-ref-123" {
		t.Errorf("RefundTransactionID = %q", r.RefundTransactionID)
	}
}

func TestRefund_ManualMethod(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_11", 15.00, time.Hour)

	r, _ := f.svc.Create(ctx, CreateRequest{
		OrderID: "ord_11", BuyerID: buyer, Reason: "x", Method: "MANUAL",
	})
	r, _ = f.svc.SellerDecide(ctx, r.ID, seller, true, "")
	r, err := f.svc.AdminDecide(ctx, r.ID, admin, true, "", "")
	if err != nil {
		t.Fatalf("AdminDecide: %v", err)
	}
	if r.Status != StatusWaitingForManual {
		t.Fatalf("Status = %s, want WAITING_FOR_MANUAL_REFUND", r.Status)
	}

	if _, err := f.svc.MarkManualRefund(ctx, r.ID, admin, "bank-wire-9"); err != nil {
		t.Fatalf("MarkManualRefund: %v", err)
	}
}

func TestRefund_EscalateStaleIsIdempotent(t *testing.T) {
	// Zero timeout: anything in seller review is immediately stale.
	f := newFixture(t, Policy{SellerReviewTimeout: time.Nanosecond})
	ctx := context.Background()
	f.seedOrder(t, "ord_12", 10.00, time.Hour)

	r, _ := f.svc.Create(ctx, CreateRequest{OrderID: "ord_12", BuyerID: buyer, Reason: "x"})
	time.Sleep(2 * time.Millisecond)

	n, err := f.svc.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("EscalateStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated %d, want 1", n)
	}

	got, _ := f.svc.Get(ctx, r.ID)
	if got.Status != StatusAdminReview {
		t.Errorf("Status = %s, want ADMIN_REVIEW", got.Status)
	}

	// A second sweep finds nothing.
	n, err = f.svc.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("second EscalateStale: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep escalated %d, want 0", n)
	}

	// History carries exactly one timeout entry.
	timeouts := 0
	for _, h := range got.History {
		if h.Action == "seller_review_timeout" {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Errorf("timeout entries = %d, want 1", timeouts)
	}
}

func TestRefund_StoreVersionCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := &Request{ID: "rfd_cas00001", OrderID: "o", BuyerID: buyer, SellerID: seller,
		Status: StatusSellerReview, Stage: StageSellerReview, Method: MethodWallet}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := store.Get(ctx, r.ID)
	b, _ := store.Get(ctx, r.ID)

	a.Status = StatusAdminReview
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	b.Status = StatusAdminRejected
	if err := store.Update(ctx, b); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	// The loser re-fetches and retries.
	b, _ = store.Get(ctx, r.ID)
	if b.Status != StatusAdminReview {
		t.Errorf("Status = %s, want winner's ADMIN_REVIEW", b.Status)
	}
}

func TestParseStatus_LegacyNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"pending", StatusPending},
		{"approved", StatusAdminApproved},
		{"rejected", StatusAdminRejected},
		{"completed", StatusCompleted},
		{"SELLER_REVIEW", StatusSellerReview},
		{"ON_HOLD_INSUFFICIENT_FUNDS", StatusOnHold},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.in)
		if err != nil {
			t.Errorf("ParseStatus(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := ParseStatus("cancelled"); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("ParseStatus(cancelled) = %v, want ErrUnknownStatus", err)
	}
}

func TestParseMethod(t *testing.T) {
	if m, err := ParseMethod(" wallet "); err != nil || m != MethodWallet {
		t.Errorf("ParseMethod(wallet) = %s, %v", m, err)
	}
	if _, err := ParseMethod("CASH"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("ParseMethod(CASH) = %v, want ErrUnknownMethod", err)
	}
}

func TestRefund_ListByStage(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	f.seedOrder(t, "ord_13", 10.00, time.Hour)
	f.seedOrder(t, "ord_14", 10.00, time.Hour)

	r1, _ := f.svc.Create(ctx, CreateRequest{OrderID: "ord_13", BuyerID: buyer, Reason: "a"})
	if _, err := f.svc.Create(ctx, CreateRequest{OrderID: "ord_14", BuyerID: buyer, Reason: "b"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.SellerDecide(ctx, r1.ID, seller, true, ""); err != nil {
		t.Fatalf("SellerDecide: %v", err)
	}

	sellerQueue, err := f.svc.ListByStage(ctx, StageSellerReview, 1, 50)
	if err != nil {
		t.Fatalf("ListByStage: %v", err)
	}
	if len(sellerQueue) != 1 {
		t.Errorf("seller queue = %d, want 1", len(sellerQueue))
	}

	adminQueue, err := f.svc.ListByStage(ctx, StageAdminReview, 1, 50)
	if err != nil {
		t.Fatalf("ListByStage: %v", err)
	}
	if len(adminQueue) != 1 || adminQueue[0].ID != r1.ID {
		t.Errorf("admin queue = %v", adminQueue)
	}
}
