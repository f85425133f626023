package domain

import "testing"

func TestApplyDelta(t *testing.T) {
	cases := []struct {
		name          string
		remaining     int64
		used          int64
		delta         int64
		countUsed     bool
		floor         int64
		wantRemaining int64
		wantUsed      int64
		wantBlocked   bool
	}{
		{
			name:      "simple debit",
			remaining: 20, used: 0, delta: -5, countUsed: true, floor: DefaultCreditFloor,
			wantRemaining: 15, wantUsed: 5, wantBlocked: false,
		},
		{
			name:      "debit to exactly zero blocks",
			remaining: 5, used: 15, delta: -5, countUsed: true, floor: DefaultCreditFloor,
			wantRemaining: 0, wantUsed: 20, wantBlocked: true,
		},
		{
			name:      "debit past zero blocks",
			remaining: 3, used: 17, delta: -10, countUsed: true, floor: DefaultCreditFloor,
			wantRemaining: -7, wantUsed: 27, wantBlocked: true,
		},
		{
			name:      "credit grant does not touch used",
			remaining: -7, used: 27, delta: 100, countUsed: true, floor: DefaultCreditFloor,
			wantRemaining: 93, wantUsed: 27, wantBlocked: false,
		},
		{
			name:      "admin debit without countUsed",
			remaining: 50, used: 10, delta: -20, countUsed: false, floor: DefaultCreditFloor,
			wantRemaining: 30, wantUsed: 10, wantBlocked: false,
		},
		{
			name:      "credit to exactly zero stays blocked",
			remaining: -5, used: 25, delta: 5, countUsed: false, floor: DefaultCreditFloor,
			wantRemaining: 0, wantUsed: 25, wantBlocked: true,
		},
		{
			name:      "credit to one unblocks",
			remaining: -5, used: 25, delta: 6, countUsed: false, floor: DefaultCreditFloor,
			wantRemaining: 1, wantUsed: 25, wantBlocked: false,
		},
		{
			name:      "floor clamps the balance but not the used counter",
			remaining: DefaultCreditFloor + 10, used: 0, delta: -100, countUsed: true, floor: DefaultCreditFloor,
			wantRemaining: DefaultCreditFloor, wantUsed: 100, wantBlocked: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotRemaining, gotUsed, gotBlocked := ApplyDelta(tc.remaining, tc.used, tc.delta, tc.countUsed, tc.floor)
			if gotRemaining != tc.wantRemaining {
				t.Fatalf("remaining = %d, want %d", gotRemaining, tc.wantRemaining)
			}
			if gotUsed != tc.wantUsed {
				t.Fatalf("used = %d, want %d", gotUsed, tc.wantUsed)
			}
			if gotBlocked != tc.wantBlocked {
				t.Fatalf("blocked = %t, want %t", gotBlocked, tc.wantBlocked)
			}
		})
	}
}

// A fresh free-tier account charged down in fixed steps must hit zero exactly
// and flip to blocked on the final step.
func TestApplyDelta_ChargeSequenceDrainsToBlocked(t *testing.T) {
	remaining, used := int64(20), int64(0)
	blocked := false

	for i := 0; i < 4; i++ {
		remaining, used, blocked = ApplyDelta(remaining, used, -5, true, DefaultCreditFloor)
		if i < 3 && blocked {
			t.Fatalf("blocked after step %d with %d remaining", i+1, remaining)
		}
	}
	if remaining != 0 || used != 20 {
		t.Fatalf("after drain remaining=%d used=%d, want 0 and 20", remaining, used)
	}
	if !blocked {
		t.Fatal("expected account to be blocked at zero")
	}
}

// Without clamping, after_balance - before_balance must equal the delta for
// every step, so replaying the deltas reconstructs the final balance.
func TestApplyDelta_ChainInvariant(t *testing.T) {
	deltas := []int64{-5, -3, 10, -7, -20, 100, -4}
	remaining, used := int64(20), int64(0)

	var replayed int64 = 20
	for _, d := range deltas {
		before := remaining
		remaining, used, _ = ApplyDelta(remaining, used, d, true, DefaultCreditFloor)
		if remaining-before != d {
			t.Fatalf("delta %d produced balance step %d", d, remaining-before)
		}
		replayed += d
	}
	if replayed != remaining {
		t.Fatalf("replayed balance %d does not match final balance %d", replayed, remaining)
	}
}

func TestProjection(t *testing.T) {
	account := Account{
		CreditsRemaining: -3,
		CreditsUsed:      23,
		Plan:             PlanPro,
		Blocked:          true,
	}

	proj := account.Projection()
	if proj.CreditsRemaining != -3 || proj.CreditsUsed != 23 {
		t.Fatalf("unexpected projection balances: %+v", proj)
	}
	if proj.Plan != PlanPro || !proj.Blocked {
		t.Fatalf("unexpected projection state: %+v", proj)
	}
}
