package messages

import "testing"

func BenchmarkEncode(b *testing.B) {
	msg := &Message{
		RequestID: "4c2e3bfa-0fe8-4d9c-a4b0-2a648f1a67a5",
		Type:      TypeRequest,
		Method:    MethodGetPackageVersions,
		Payload:   []byte(`{"PackageSourceRepository":"https://example/index.json","PackageId":"Newtonsoft.Json"}`),
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := msg.Encode(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecode(b *testing.B) {
	frame := []byte(`{"RequestId":"4c2e3bfa-0fe8-4d9c-a4b0-2a648f1a67a5","Type":"Request","Method":"GetPackageVersions","Payload":{"PackageSourceRepository":"https://example/index.json","PackageId":"Newtonsoft.Json"}}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(frame); err != nil {
			b.Fatal(err)
		}
	}
}
