package amount

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		value    uint64
		fraction uint32
		currency string
		wantErr  bool
	}{
		{"EUR:5", 5, 0, "EUR", false},
		{"EUR:5.01", 5, 1000000, "EUR", false},
		{"EUR:0.00000001", 0, 1, "EUR", false},
		{"KUDOS:10.5", 10, 50000000, "KUDOS", false},
		{"EUR:4.98", 4, 98000000, "EUR", false},
		{"EUR:", 0, 0, "", true},
		{":5", 0, 0, "", true},
		{"EUR:5.", 0, 0, "", true},
		{"EUR:5.123456789", 0, 0, "", true},
		{"EUR:-5", 0, 0, "", true},
		{"EU1:5", 0, 0, "", true},
		{"nocolon", 0, 0, "", true},
	}

	for _, tt := range tests {
		a, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error, got %+v", tt.in, a)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) error = %v", tt.in, err)
			continue
		}
		if a.Currency != tt.currency || a.Value != tt.value || a.Fraction != tt.fraction {
			t.Errorf("Parse(%q) = %+v, want %s %d %d", tt.in, a, tt.currency, tt.value, tt.fraction)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"EUR:5", "EUR:5.01", "EUR:0.00000001", "EUR:4.98"} {
		a := MustParse(s)
		if a.String() != s {
			t.Errorf("String() = %s, want %s", a.String(), s)
		}
	}
}

func TestCanonical(t *testing.T) {
	if got := MustParse("EUR:5.01").Canonical(); got != "EUR:5.01000000" {
		t.Errorf("Canonical() = %s", got)
	}
	if got := MustParse("EUR:5").Canonical(); got != "EUR:5.00000000" {
		t.Errorf("Canonical() = %s", got)
	}
}

func TestAdd(t *testing.T) {
	a := MustParse("EUR:1.60000000")
	b := MustParse("EUR:2.50000000")
	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if sum.String() != "EUR:4.1" {
		t.Errorf("Add() = %s, want EUR:4.1", sum)
	}

	if _, err := a.Add(MustParse("USD:1")); err == nil {
		t.Error("Add() with mixed currency should fail")
	}
}

func TestSubtract(t *testing.T) {
	a := MustParse("EUR:5")
	b := MustParse("EUR:0.01")
	diff, err := a.Subtract(b)
	if err != nil {
		t.Fatalf("Subtract() error = %v", err)
	}
	if diff.String() != "EUR:4.99" {
		t.Errorf("Subtract() = %s, want EUR:4.99", diff)
	}

	if _, err := b.Subtract(a); err != ErrNegativeResult {
		t.Errorf("Subtract() underflow error = %v, want ErrNegativeResult", err)
	}
}

func TestCmp(t *testing.T) {
	a := MustParse("EUR:5")
	b := MustParse("EUR:5.01")
	c, err := a.Cmp(b)
	if err != nil || c != -1 {
		t.Errorf("Cmp() = %d, %v, want -1", c, err)
	}
	c, err = b.Cmp(a)
	if err != nil || c != 1 {
		t.Errorf("Cmp() = %d, %v, want 1", c, err)
	}
	c, err = a.Cmp(MustParse("EUR:5.00000000"))
	if err != nil || c != 0 {
		t.Errorf("Cmp() = %d, %v, want 0", c, err)
	}
}

func TestSum(t *testing.T) {
	total, err := Sum([]Amount{
		MustParse("EUR:1.5"),
		MustParse("EUR:2.5"),
		MustParse("EUR:0.99"),
	})
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}
	if total.String() != "EUR:4.99" {
		t.Errorf("Sum() = %s, want EUR:4.99", total)
	}
}

func TestJSON(t *testing.T) {
	type payload struct {
		Price Amount `json:"price"`
	}
	var p payload
	if err := json.Unmarshal([]byte(`{"price":"EUR:9.99"}`), &p); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if p.Price.String() != "EUR:9.99" {
		t.Errorf("Unmarshal = %s", p.Price)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(out) != `{"price":"EUR:9.99"}` {
		t.Errorf("Marshal = %s", out)
	}
}
