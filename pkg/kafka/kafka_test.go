package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestEncodeSetsTypeHeader(t *testing.T) {
	msg, err := encode(Event{Key: "doc-1", Type: "chunk_purchase", Value: map[string]int{"n": 2}})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "doc-1" {
		t.Errorf("key = %q", msg.Key)
	}
	if got := headerValue(msg.Headers, TypeHeader); got != "chunk_purchase" {
		t.Errorf("type header = %q", got)
	}
	if string(msg.Value) != `{"n":2}` {
		t.Errorf("value = %s", msg.Value)
	}
}

func TestHeaderValueMissing(t *testing.T) {
	if got := headerValue([]kafka.Header{{Key: "x", Value: []byte("y")}}, TypeHeader); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	type ev struct {
		Type string `json:"type"`
	}
	got, err := DecodeJSON[ev]([]byte(`{"type":"query"}`))
	if err != nil || got.Type != "query" {
		t.Errorf("DecodeJSON = %+v, %v", got, err)
	}
	if _, err := DecodeJSON[ev]([]byte(`{`)); err == nil {
		t.Error("expected error for truncated json")
	}
}
