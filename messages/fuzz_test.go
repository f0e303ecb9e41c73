package messages

import (
	"bytes"
	"testing"
)

// FuzzDecode feeds arbitrary frames to Decode. Decode must reject garbage
// with an error, never panic.
func FuzzDecode(f *testing.F) {
	seed, err := (&Message{
		RequestID: "4c2e3bfa-0fe8-4d9c-a4b0-2a648f1a67a5",
		Type:      TypeRequest,
		Method:    MethodHandshake,
		Payload:   []byte(`{"ProtocolVersion":"2.0.0","MinimumProtocolVersion":"1.0.0"}`),
	}).Encode()
	if err != nil {
		f.Fatalf("Encode failed: %v", err)
	}
	f.Add(seed)
	f.Add([]byte(""))
	f.Add([]byte("{}"))
	f.Add([]byte(`{"RequestId":"a","Type":"Cancel","Method":"Log"}`))
	f.Add([]byte("\xef\xbb\xbf{}"))
	f.Add([]byte(`{"RequestId":1,"Type":2,"Method":3}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}

// FuzzMessageRoundTrip checks that any envelope Encode accepts survives a
// Decode unchanged.
func FuzzMessageRoundTrip(f *testing.F) {
	f.Add("4c2e3bfa-0fe8-4d9c-a4b0-2a648f1a67a5", "Request", "Handshake", []byte(`{"A":1}`))
	f.Add("b", "Response", "GetCredentials", []byte(`{}`))
	f.Add("c", "Progress", "PrefetchPackage", []byte(nil))
	f.Add("line\nbreak", "Fault", "Log", []byte(`{"Message":"x\ny"}`))

	f.Fuzz(func(t *testing.T, id, typ, method string, payload []byte) {
		msg := &Message{
			RequestID: id,
			Type:      MessageType(typ),
			Method:    MessageMethod(method),
			Payload:   payload,
		}
		encoded, err := msg.Encode()
		if err != nil {
			t.Skip()
		}
		if bytes.ContainsRune(encoded, '\n') {
			t.Fatalf("encoded frame contains a raw newline: %q", encoded)
		}

		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode rejected an encoded frame: %v", err)
		}
		if decoded.RequestID != msg.RequestID {
			t.Errorf("RequestID mismatch: got %q, want %q", decoded.RequestID, msg.RequestID)
		}
		if decoded.Type != msg.Type {
			t.Errorf("Type mismatch: got %q, want %q", decoded.Type, msg.Type)
		}
		if decoded.Method != msg.Method {
			t.Errorf("Method mismatch: got %q, want %q", decoded.Method, msg.Method)
		}
	})
}
