package revenue

import "testing"

func TestCompute(t *testing.T) {
	split := Compute(100, 5, 0.10)

	if split.Commission != 10 {
		t.Errorf("Commission = %v, want 10", split.Commission)
	}
	if split.SellerEarning != 90 {
		t.Errorf("SellerEarning = %v, want 90", split.SellerEarning)
	}
	if split.AdminEarning != 15 {
		t.Errorf("AdminEarning = %v, want 15", split.AdminEarning)
	}
	if split.TotalPaid != 105 {
		t.Errorf("TotalPaid = %v, want 105", split.TotalPaid)
	}
}

func TestCompute_PercentageRateForm(t *testing.T) {
	// 10 and 0.10 mean the same rate.
	a := Compute(49.99, 2.50, 10)
	b := Compute(49.99, 2.50, 0.10)
	if !a.Matches(b) {
		t.Errorf("percentage and fractional rate forms disagree: %+v vs %+v", a, b)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	first := Compute(33.33, 1.11, 0.0725)
	for i := 0; i < 100; i++ {
		if got := Compute(33.33, 1.11, 0.0725); !got.Matches(first) {
			t.Fatalf("run %d produced %+v, first run %+v", i, got, first)
		}
	}
}

func TestCompute_SellerEarningNeverNegative(t *testing.T) {
	// 100% commission leaves the seller with exactly zero, never below.
	split := Compute(50, 0, 1)
	if split.SellerEarning != 0 {
		t.Errorf("SellerEarning = %v, want 0", split.SellerEarning)
	}
	if split.Commission != 50 {
		t.Errorf("Commission = %v, want 50", split.Commission)
	}
}

func TestCompute_RoundsToCents(t *testing.T) {
	split := Compute(9.99, 0, 0.0333)
	want := 0.33 // 9.99 * 0.0333 = 0.332667
	if split.Commission != want {
		t.Errorf("Commission = %v, want %v", split.Commission, want)
	}
	if split.SellerEarning != 9.66 {
		t.Errorf("SellerEarning = %v, want 9.66", split.SellerEarning)
	}
}

func TestMatches(t *testing.T) {
	a := Compute(100, 5, 0.10)
	b := Compute(100, 5, 0.10)
	if !a.Matches(b) {
		t.Error("identical splits should match")
	}
	b.SellerEarning += 0.01
	if a.Matches(b) {
		t.Error("splits differing by a cent should not match")
	}
}
