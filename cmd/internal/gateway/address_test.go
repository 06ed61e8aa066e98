package gateway

import "testing"

func TestClassifyAddress(t *testing.T) {
	cases := map[string]AddressKind{
		"5215512345678@s.whatsapp.net":   AddressDirect,
		"5215512345678:4@s.whatsapp.net": AddressDirect,
		"99887766@lid":                   AddressOpaque,
		"12036302@g.us":                  AddressGroup,
		"status@broadcast":               AddressBroadcast,
		"123@newsletter":                 AddressNewsletter,
		"5215512345678":                  AddressUnknown,
		"":                               AddressUnknown,
	}
	for addr, want := range cases {
		if got := ClassifyAddress(addr); got != want {
			t.Fatalf("ClassifyAddress(%q): got %v want %v", addr, got, want)
		}
	}
}

func TestUserPart(t *testing.T) {
	cases := map[string]string{
		"5215512345678:4@s.whatsapp.net": "5215512345678",
		"99887766@lid":                   "99887766",
		"5215512345678":                  "5215512345678",
	}
	for in, want := range cases {
		if got := UserPart(in); got != want {
			t.Fatalf("UserPart(%q): got %q want %q", in, got, want)
		}
	}
}

func TestDirectAddress(t *testing.T) {
	cases := map[string]string{
		"5215512345678":      "5215512345678@s.whatsapp.net",
		"+52 (55) 1234-5678": "525512345678@s.whatsapp.net",
		"99887766@lid":       "99887766@s.whatsapp.net",
		"abc":                "",
	}
	for in, want := range cases {
		if got := DirectAddress(in); got != want {
			t.Fatalf("DirectAddress(%q): got %q want %q", in, got, want)
		}
	}
}

func TestMexicanMobileVariant(t *testing.T) {
	cases := map[string]string{
		"5215512345678": "525512345678",
		"525512345678":  "5215512345678",
		"14155550100":   "",
		"52155":         "",
	}
	for in, want := range cases {
		if got := mexicanMobileVariant(in); got != want {
			t.Fatalf("mexicanMobileVariant(%q): got %q want %q", in, got, want)
		}
	}
}

func TestSessionKey(t *testing.T) {
	if got := Key(42, "ventas"); got != "42_ventas" {
		t.Fatalf("Key: got %q", got)
	}

	id, name, err := ParseKey("42_ventas_norte")
	if err != nil || id != 42 || name != "ventas_norte" {
		t.Fatalf("ParseKey: got %d %q %v", id, name, err)
	}

	for _, bad := range []string{"ventas", "x_ventas", "0_ventas", "42_"} {
		if _, _, err := ParseKey(bad); err == nil {
			t.Fatalf("ParseKey(%q): expected error", bad)
		}
	}
}
