package domain

import "testing"

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name   string
		status IdempotencyStatus
		want   bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, want: true},
		{name: "done", status: IdempotencyStatusDone, want: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestHashRequest(t *testing.T) {
	a := HashRequest("checkout", "user-1")
	b := HashRequest("checkout", "user-1")
	c := HashRequest("checkout", "user-2")

	if a != b {
		t.Fatalf("hash must be stable, got %s and %s", a, b)
	}
	if a == c {
		t.Fatal("different requests must produce different hashes")
	}
	if HashRequest("ab", "c") == HashRequest("a", "bc") {
		t.Fatal("part boundaries must affect the hash")
	}
}

func TestIdempotencyKeyScope(t *testing.T) {
	got := IdempotencyKey{Operation: "checkout", UserID: "user-1", Value: "  key-1 "}.Scope()
	if got != "8:checkout6:user-1key-1" {
		t.Fatalf("unexpected scope %q", got)
	}
}

func TestIdempotencyKeyScopeSeparatorInParts(t *testing.T) {
	a := IdempotencyKey{Operation: "checkout", UserID: "a:b", Value: "c"}.Scope()
	b := IdempotencyKey{Operation: "checkout", UserID: "a", Value: "b:c"}.Scope()
	if a == b {
		t.Fatalf("scopes must differ, both are %q", a)
	}

	c := IdempotencyKey{Operation: "pay", UserID: "u1", Value: "k"}.Scope()
	d := IdempotencyKey{Operation: "pa", UserID: "yu1", Value: "k"}.Scope()
	if c == d {
		t.Fatalf("scopes must differ, both are %q", c)
	}
}

func TestIdempotencyPurge(t *testing.T) {
	p := IdempotencyPurge{}
	p.Add("pay", 2)
	p.Add("checkout", 0)
	p.Merge(IdempotencyPurge{"checkout": 3, "pay": 1})

	if p.Total() != 6 {
		t.Fatalf("total = %d, want 6", p.Total())
	}
	ops := p.Operations()
	if len(ops) != 2 || ops[0] != "checkout" || ops[1] != "pay" {
		t.Fatalf("unexpected operations %v", ops)
	}
}
