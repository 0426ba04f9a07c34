package rtc

import (
	"strings"
	"testing"
)

const videoAnswer = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=ssrc:1000 cname:test\r\n" +
	"a=ssrc:1000 msid:stream track\r\n"

const audioAnswer = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=ssrc:2000 cname:test\r\n"

func TestRewriteSimulcastAnswer(t *testing.T) {
	out, err := RewriteSimulcastAnswer(videoAnswer)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"a=ssrc-group:SIM 1000 1001 1002",
		"a=ssrc:1001 cname:test",
		"a=ssrc:1001 msid:stream track",
		"a=ssrc:1002 cname:test",
		"a=ssrc:1002 msid:stream track",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rewritten answer missing %q", want)
		}
	}
}

func TestRewriteIsNotReapplied(t *testing.T) {
	once, err := RewriteSimulcastAnswer(videoAnswer)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := RewriteSimulcastAnswer(once)
	if err == nil {
		t.Error("second rewrite was not refused")
	}
	if twice != once {
		t.Error("second rewrite modified the answer")
	}
}

func TestRewriteLeavesAudioOnlyAnswerUntouched(t *testing.T) {
	out, err := RewriteSimulcastAnswer(audioAnswer)
	if err == nil {
		t.Error("audio-only answer reported a rewrite")
	}
	if out != audioAnswer {
		t.Error("audio-only answer was modified")
	}
}

func TestRewriteGuardsUnparsableSSRC(t *testing.T) {
	mangled := strings.ReplaceAll(videoAnswer, "a=ssrc:1000 cname:test\r\n", "a=ssrc:notanumber cname:test\r\n")
	out, err := RewriteSimulcastAnswer(mangled)
	if err == nil {
		t.Error("unparsable ssrc reported a rewrite")
	}
	if out != mangled {
		t.Error("unparsable answer was modified")
	}
}

func TestRewriteSkipsMultiStreamSections(t *testing.T) {
	multi := videoAnswer + "a=ssrc:1001 cname:other\r\n"
	out, err := RewriteSimulcastAnswer(multi)
	if err == nil {
		t.Error("multi-stream section reported a rewrite")
	}
	if out != multi {
		t.Error("multi-stream answer was modified")
	}
}
