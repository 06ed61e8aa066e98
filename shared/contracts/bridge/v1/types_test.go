package v1

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"open", Envelope{V: Version, Type: TypeSessionOpen, ID: "1"}, true},
		{"result", Envelope{V: Version, Type: TypeResult, ID: "1"}, true},
		{"event", Envelope{V: Version, Type: TypeMessageUpsert, ID: "e1"}, true},
		{"missing id", Envelope{V: Version, Type: TypeSessionOpen}, false},
		{"missing v", Envelope{Type: TypeSessionOpen, ID: "1"}, false},
		{"wrong v", Envelope{V: "v0", Type: TypeSessionOpen, ID: "1"}, false},
		{"missing type", Envelope{V: Version, ID: "1"}, false},
		{"unknown type", Envelope{V: Version, Type: "session.subscribe", ID: "1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

// Credentials travel as base64 inside JSON; the bridge relies on that encoding.
func TestCredentialsEncodeAsBase64(t *testing.T) {
	b, err := json.Marshal(SessionOpenPayload{SessionKey: "7_ventas", Credentials: []byte("hi")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"session_key":"7_ventas","credentials":"aGk="}`; got != want {
		t.Fatalf("got %s want %s", got, want)
	}

	b, err = json.Marshal(SessionOpenPayload{SessionKey: "7_ventas"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"session_key":"7_ventas"}`; got != want {
		t.Fatalf("first pairing should omit credentials: got %s", got)
	}
}
