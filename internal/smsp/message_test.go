package smsp

import (
	"encoding/json"
	"testing"
)

func TestDecodeLoginContent(t *testing.T) {
	var c LoginContent
	if err := decodeContent(json.RawMessage(`{"nickname":"alice_1"}`), &c); err != nil {
		t.Fatalf("valid login rejected: %v", err)
	}
	if c.Nickname != "alice_1" {
		t.Errorf("nickname = %q", c.Nickname)
	}

	for _, bad := range []string{`{}`, `{"nickname":""}`, `{"nickname":"bad name"}`, `{"nickname":42}`} {
		var c LoginContent
		if err := decodeContent(json.RawMessage(bad), &c); err == nil {
			t.Errorf("login content %s accepted", bad)
		}
	}
}

func TestDecodeChatContentAllowsEmptyText(t *testing.T) {
	var c ChatContent
	if err := decodeContent(json.RawMessage(`{"text":""}`), &c); err != nil {
		t.Fatalf("empty text should be present-but-empty, got %v", err)
	}
	var c2 ChatContent
	if err := decodeContent(json.RawMessage(`{}`), &c2); err == nil {
		t.Error("missing text accepted")
	}
}

func TestDecodeOfferContent(t *testing.T) {
	var c RTCOfferContent
	valid := `{"sdp":"v=0","options":{"publishAudio":true,"publishVideo":false,"planB":false}}`
	if err := decodeContent(json.RawMessage(valid), &c); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}

	for _, bad := range []string{
		`{"sdp":"v=0"}`,
		`{"options":{"publishAudio":true,"publishVideo":false,"planB":false}}`,
		`{"sdp":"v=0","options":{"publishAudio":true,"planB":false}}`,
	} {
		var c RTCOfferContent
		if err := decodeContent(json.RawMessage(bad), &c); err == nil {
			t.Errorf("offer content %s accepted", bad)
		}
	}
}

func TestDecodeCandidatesContent(t *testing.T) {
	var c RTCCandidatesContent
	valid := `{"candidates":[{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}]}`
	if err := decodeContent(json.RawMessage(valid), &c); err != nil {
		t.Fatalf("valid candidates rejected: %v", err)
	}
	if len(c.Candidates) != 1 {
		t.Fatalf("candidates = %d", len(c.Candidates))
	}

	for _, bad := range []string{
		`{"candidates":[]}`,
		`{}`,
		`{"candidates":[{"candidate":"candidate:1","sdpMid":"0"}]}`,
	} {
		var c RTCCandidatesContent
		if err := decodeContent(json.RawMessage(bad), &c); err == nil {
			t.Errorf("candidates content %s accepted", bad)
		}
	}
}

func TestDecodeByeContent(t *testing.T) {
	var c RTCByeContent
	if err := decodeContent(json.RawMessage(`{"reason":"hangup"}`), &c); err != nil {
		t.Fatalf("valid bye rejected: %v", err)
	}
	var c2 RTCByeContent
	if err := decodeContent(json.RawMessage(`{}`), &c2); err == nil {
		t.Error("missing reason accepted")
	}
}
