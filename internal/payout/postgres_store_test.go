package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keyforge/marketpay/internal/testutil"
)

func pgPayout(id, orderID string) *Payout {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Payout{
		ID:             id,
		OrderID:        orderID,
		SellerID:       "usr_seller",
		Subtotal:       100.00,
		HandlingFee:    5.00,
		CommissionRate: 0.10,
		Commission:     10.00,
		SellerEarning:  90.00,
		AdminEarning:   15.00,
		TotalPaid:      105.00,
		Currency:       "USD",
		Status:         StatusPending,
		EligibleAt:     now.Add(-time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresStore_PayoutRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayout("pay_pg000001", "ord_pg1")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SellerEarning != 90.00 || got.TotalPaid != 105.00 {
		t.Errorf("figures = %v/%v, want 90/105", got.SellerEarning, got.TotalPaid)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	byOrder, err := store.GetByOrder(ctx, "ord_pg1")
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	if byOrder.ID != p.ID {
		t.Errorf("GetByOrder = %s, want %s", byOrder.ID, p.ID)
	}

	if _, err := store.Get(ctx, "pay_missing0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_DuplicateOrderRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgPayout("pay_pg000002", "ord_pg2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.Create(ctx, pgPayout("pay_pg000003", "ord_pg2"))
	if !errors.Is(err, ErrDuplicateSchedule) {
		t.Fatalf("expected ErrDuplicateSchedule, got %v", err)
	}
}

func TestPostgresStore_ClaimIsAtomic(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayout("pay_pg000004", "ord_pg4")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	won, err := store.Claim(ctx, p.ID, time.Now())
	if err != nil || !won {
		t.Fatalf("first Claim = %v, %v; want won", won, err)
	}

	// Already processing: the second claimer loses.
	won, err = store.Claim(ctx, p.ID, time.Now())
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if won {
		t.Error("second Claim won, want lost")
	}

	got, _ := store.Get(ctx, p.ID)
	if got.Status != StatusProcessing || got.ProcessingAt == nil {
		t.Errorf("after claim: %s, processingAt %v", got.Status, got.ProcessingAt)
	}
}

func TestPostgresStore_ReclaimStale(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayout("pay_pg000005", "ord_pg5")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Claim(ctx, p.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	n, err := store.ReclaimStale(ctx, time.Now().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}

	got, _ := store.Get(ctx, p.ID)
	if got.Status != StatusPending || got.ProcessingAt != nil {
		t.Errorf("after reclaim: %s, processingAt %v; want pending/nil", got.Status, got.ProcessingAt)
	}

	// A fresh claim is not reclaimed.
	if _, err := store.Claim(ctx, p.ID, time.Now()); err != nil {
		t.Fatalf("re-Claim: %v", err)
	}
	n, err = store.ReclaimStale(ctx, time.Now().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("second ReclaimStale: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, want 0 for a fresh claim", n)
	}
}

func TestPostgresStore_ListDueOrdering(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	later := pgPayout("pay_pg000006", "ord_pg6")
	later.EligibleAt = time.Now().Add(-time.Minute)
	earlier := pgPayout("pay_pg000007", "ord_pg7")
	earlier.EligibleAt = time.Now().Add(-time.Hour)
	notDue := pgPayout("pay_pg000008", "ord_pg8")
	notDue.EligibleAt = time.Now().Add(time.Hour)

	for _, p := range []*Payout{later, earlier, notDue} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create(%s): %v", p.ID, err)
		}
	}

	due, err := store.ListDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if due[0].ID != earlier.ID || due[1].ID != later.ID {
		t.Errorf("order = %s,%s; want oldest eligibility first", due[0].ID, due[1].ID)
	}
}
