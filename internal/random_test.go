package internal

import "testing"

func TestNewOTP(t *testing.T) {
	for _, digits := range []int{6, 8, 10} {
		code, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("NewOTP(%d): %v", digits, err)
		}
		if len(code) != digits {
			t.Fatalf("expected %d digits, got %q", digits, code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-numeric code %q", code)
			}
		}
	}
	if _, err := NewOTP(4); err == nil {
		t.Fatal("expected error for short codes")
	}
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 010-4477": "*******4477",
		"4477":              "****",
		"":                  "",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Fatalf("MaskPhone(%q) = %q want %q", in, got, want)
		}
	}
}

func FuzzMaskPhone(f *testing.F) {
	f.Add("+15550104477")
	f.Add("")
	f.Add("abc")
	f.Fuzz(func(t *testing.T, phone string) {
		masked := MaskPhone(phone)
		if len(masked) > len(phone) {
			t.Fatalf("masked %q longer than input %q", masked, phone)
		}
	})
}

func TestHashBindingValue(t *testing.T) {
	if HashBindingValue("") != [32]byte{} {
		t.Fatal("empty value should hash to zero")
	}
	if HashBindingValue("fp-1") == HashBindingValue("fp-2") {
		t.Fatal("distinct values should differ")
	}
}
