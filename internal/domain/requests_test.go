package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestRequestTopicLowercase(t *testing.T) {
	addr := common.HexToAddress("0xdcC5bA35614F40F75d07402d81784214CbE853a9")
	want := "/statusfeedback/1/requests/0xdcc5ba35614f40f75d07402d81784214cbe853a9"
	if got := RequestTopic(addr); got != want {
		t.Fatalf("topic = %q, want %q", got, want)
	}
}

func TestRequestPayload(t *testing.T) {
	at := time.UnixMilli(1700000000123).Add(456 * time.Microsecond)
	req := NewFeedbackRequest(alice, bob, "how did the demo go?", at)
	if req.Timestamp.UnixMilli() != 1700000000123 || req.Timestamp.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("timestamp must be truncated to milliseconds: %v", req.Timestamp)
	}

	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for _, key := range []string{"sender", "receiver", "message", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("payload misses %q: %s", key, data)
		}
	}

	decoded, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != req.ID || decoded.Sender != alice || decoded.Receiver != bob || !decoded.Timestamp.Equal(req.Timestamp) {
		t.Fatalf("decoded = %+v, want %+v", decoded, req)
	}
	if decoded.ID != "0x00000000000000000000000000000000000000a1-1700000000123" {
		t.Fatalf("id = %q", decoded.ID)
	}
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	cases := []string{
		`not json`,
		`{"sender":"0x1","receiver":"0x00000000000000000000000000000000000000b2","message":"x","timestamp":1}`,
		`{"sender":"0x00000000000000000000000000000000000000a1","receiver":"0x00000000000000000000000000000000000000b2","message":"x","timestamp":0}`,
		`{"sender":"0x00000000000000000000000000000000000000a1","receiver":"0x00000000000000000000000000000000000000b2","message":"  ","timestamp":5}`,
	}
	for _, c := range cases {
		if _, err := DecodeRequest([]byte(c)); err == nil {
			t.Fatalf("expected error for %s", c)
		}
	}
}

func TestEnvelope(t *testing.T) {
	msgs := SealedMessages("great work")
	if msgs.ForSender != "great work" {
		t.Fatalf("sender slot must keep plain text")
	}
	text, ok := OpenEnvelope(msgs.ForReceiver)
	if !ok || text != "great work" {
		t.Fatalf("OpenEnvelope = %q, %v", text, ok)
	}
	if text, ok := OpenEnvelope("plain text"); ok || text != "plain text" {
		t.Fatalf("opaque payload must pass through")
	}
}
