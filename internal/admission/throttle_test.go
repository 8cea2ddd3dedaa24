// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package admission

import "testing"

func TestNewLimiter_DisabledWhenRateIsNonPositive(t *testing.T) {
	l := NewLimiter(0, 10)
	if l != nil {
		t.Fatalf("expected a nil Limiter for a non-positive rate")
	}
	if !l.Allow() {
		t.Fatalf("expected a nil Limiter to always allow")
	}
}

func TestLimiter_AllowsUpToBurstThenRejects(t *testing.T) {
	l := NewLimiter(1, 3)
	if l == nil {
		t.Fatalf("expected a non-nil Limiter for a positive rate")
	}

	allowed := 0
	for i := 0; i < 3; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected all 3 burst tokens to be consumed, got %d allowed", allowed)
	}

	if l.Allow() {
		t.Fatalf("expected the 4th immediate call to be rejected once the burst is exhausted")
	}
}

func TestNewLimiter_DefaultsBurstWhenNonPositive(t *testing.T) {
	l := NewLimiter(5, 0)
	if l == nil {
		t.Fatalf("expected a non-nil Limiter")
	}
	if !l.Allow() {
		t.Fatalf("expected at least one token to be available with a defaulted burst")
	}
}
