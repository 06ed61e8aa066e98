package v1

import "testing"

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"subscribe", Envelope{V: Version, Type: TypeSessionSubscribe}, true},
		{"state", Envelope{V: Version, Type: TypeSessionState}, true},
		{"missing v", Envelope{Type: TypeSessionSubscribe}, false},
		{"wrong v", Envelope{V: "v2", Type: TypeSessionSubscribe}, false},
		{"missing type", Envelope{V: Version}, false},
		{"unknown type", Envelope{V: Version, Type: "message.send"}, false},
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
