package token

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestMatch(t *testing.T) {
	if !Match("s3cret", "s3cret") {
		t.Fatalf("expected match")
	}
	if Match("s3cret", "s3cret-longer") || Match("", "x") {
		t.Fatalf("unexpected match")
	}
}

func TestHashSHA256Hex_Stable(t *testing.T) {
	got := HashSHA256Hex("abc")
	if got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", got)
	}
}

func TestCheck(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		target     string
		expected   string
		allowQuery bool
		want       error
	}{
		{name: "disabled", target: "/", expected: "", want: nil},
		{name: "bearer ok", header: "Bearer s3cret", target: "/", expected: "s3cret", want: nil},
		{name: "scheme case", header: "bearer s3cret", target: "/", expected: "s3cret", want: nil},
		{name: "missing", target: "/", expected: "s3cret", want: ErrMissing},
		{name: "wrong", header: "Bearer nope", target: "/", expected: "s3cret", want: ErrMismatch},
		{name: "basic ignored", header: "Basic s3cret", target: "/", expected: "s3cret", want: ErrMissing},
		{name: "query allowed", target: "/ws?access_token=s3cret", expected: "s3cret", allowQuery: true, want: nil},
		{name: "query refused", target: "/ws?access_token=s3cret", expected: "s3cret", want: ErrMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			err := Check(r, tc.expected, tc.allowQuery)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}
