package rtc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var errNoVideoSSRC = errors.New("no rewritable video ssrc in answer")

// RewriteSimulcastAnswer declares two synthetic simulcast SSRCs on the
// answer's video section, Plan B style: the base SSRC plus base+1 and
// base+2, grouped as SIM. Applied to a peer's first answer only;
// re-applying would duplicate the synthetic stream descriptors.
//
// The contiguous-SSRC layout is an assumption inherited from the
// legacy multistream convention; when the section carries no single
// parseable SSRC the answer is returned unchanged.
func RewriteSimulcastAnswer(answer string) (string, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(answer)); err != nil {
		return answer, fmt.Errorf("parse answer: %w", err)
	}

	rewritten := false
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		if rewriteVideoSection(md) {
			rewritten = true
		}
	}
	if !rewritten {
		return answer, errNoVideoSSRC
	}

	out, err := parsed.Marshal()
	if err != nil {
		return answer, fmt.Errorf("serialize answer: %w", err)
	}
	return string(out), nil
}

func rewriteVideoSection(md *sdp.MediaDescription) bool {
	var (
		base     uint32
		baseSet  bool
		ssrcTail []string // attribute value after the ssrc number
	)
	for _, attr := range md.Attributes {
		if attr.Key == "ssrc-group" {
			// Already grouped; leave the section alone.
			return false
		}
		if attr.Key != "ssrc" {
			continue
		}
		num, tail, ok := splitSSRC(attr.Value)
		if !ok {
			return false
		}
		if !baseSet {
			base, baseSet = num, true
		} else if num != base {
			// More than one stream already declared.
			return false
		}
		ssrcTail = append(ssrcTail, tail)
	}
	if !baseSet || base > ^uint32(0)-2 {
		return false
	}

	extra := []sdp.Attribute{{
		Key:   "ssrc-group",
		Value: fmt.Sprintf("SIM %d %d %d", base, base+1, base+2),
	}}
	for i := uint32(1); i <= 2; i++ {
		for _, tail := range ssrcTail {
			extra = append(extra, sdp.Attribute{
				Key:   "ssrc",
				Value: fmt.Sprintf("%d %s", base+i, tail),
			})
		}
	}
	md.Attributes = append(md.Attributes, extra...)
	return true
}

// splitSSRC splits an a=ssrc value "<num> <rest>" into its parts.
func splitSSRC(value string) (uint32, string, bool) {
	num, tail, ok := strings.Cut(value, " ")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(n), tail, true
}
