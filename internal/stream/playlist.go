package stream

import (
	"fmt"
	"math"
	"strings"
)

// InitSegmentURI is the playlist-relative location of the codec init segment.
const InitSegmentURI = "/init.mp4"

// SegmentURI returns the playlist-relative location of a media segment.
func SegmentURI(seq uint64) string {
	return fmt.Sprintf("/segment/%d.m4s", seq)
}

// BuildLivePlaylist converts buffered segments (ascending by sequence) into a
// live fMP4 HLS playlist. A jump in sequence numbers, such as a segment the
// cloud relay gave up on, is surfaced as an explicit discontinuity so players
// resync instead of freezing without explanation. If ended is true,
// #EXT-X-ENDLIST is appended.
func BuildLivePlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(segments)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence))
	b.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=\"%s\"\n", InitSegmentURI))

	for i, seg := range segments {
		if i > 0 && seg.Sequence != segments[i-1].Sequence+1 {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.DurationSeconds()))
		b.WriteString(SegmentURI(seg.Sequence))
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// maximum segment duration in whole seconds, at least 1.
func targetDuration(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if d := seg.DurationSeconds(); d > max {
			max = d
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
