package services

import (
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"

	"hivecam-streaming/core/models"
)

// BuildOffer produces the minimal camera-facing offer (spec.md §4.2): fixed
// SSRCs, a fresh CNAME, placeholder ports. This SDP is never wire-serialized
// to the camera itself — it is submitted to MS, whose answer (containing
// the real RTP/RTCP ports MS will listen on) is what EnhanceAnswer rewrites
// for the camera.
func BuildOffer() (string, models.VendorSdpMetadata) {
	const placeholderPort = 9

	cname := fmt.Sprintf("user%d@host-%s", random10Digits(), randomHex8())

	lines := []string{
		"v=0",
		fmt.Sprintf("o=- %d %d IN IP4 0.0.0.0", random10Digits(), random10Digits()),
		"s=Camera Livestream",
		"c=IN IP4 0.0.0.0",
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVPF 96 0", placeholderPort),
		fmt.Sprintf("a=rtcp:%d", placeholderPort+1),
		"a=rtpmap:96 opus/48000/2",
		"a=rtpmap:0 PCMU/8000",
		"a=sendrecv",
		"a=direction:active",
		fmt.Sprintf("a=ssrc:%d cname:%s", models.FixedAudioSSRC, cname),
		fmt.Sprintf("m=video %d RTP/AVPF 103", placeholderPort),
		fmt.Sprintf("a=rtcp:%d", placeholderPort+1),
		"a=rtpmap:103 H264/90000",
		"a=fmtp:103 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		"a=rtcp-fb:103 nack",
		"a=rtcp-fb:103 nack pli",
		"a=rtcp-fb:103 goog-remb",
		"a=rtcp-fb:103 ccm fir",
		"a=sendonly",
		"a=direction:active",
		fmt.Sprintf("a=ssrc:%d cname:%s", models.FixedVideoSSRC, cname),
	}

	sdpStr := strings.Join(lines, "\r\n") + "\r\n"

	meta := models.VendorSdpMetadata{
		AudioSSRC: models.FixedAudioSSRC,
		VideoSSRC: models.FixedVideoSSRC,
		CNAME:     cname,
		AudioPort: placeholderPort,
		VideoPort: placeholderPort,
		RTCPPort:  placeholderPort + 1,
	}
	return sdpStr, meta
}

func random10Digits() int64 {
	return 1_000_000_000 + rand.Int63n(9_000_000_000)
}

func randomHex8() string {
	return fmt.Sprintf("%08x", rand.Uint32())
}

var (
	ssrcLineRe = regexp.MustCompile(`^a=ssrc:\d+`)
	cnameRe    = regexp.MustCompile(`cname:\S+`)
	ipv4Re     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
)

// EnhanceAnswer rewrites MS's SDP answer into the exact shape the camera
// firmware accepts (spec.md §4.2). The steps run as: warn on a missing
// a=direction:passive, replace the first audio/video SSRCs, replace every
// CNAME, insert a=direction:passive in the video section, append the three
// x-skl attributes, then substitute every IPv4 literal. Each is a narrow,
// line-oriented transform rather than a
// round-trip through a generic SDP object model, because the firmware
// checks the literal byte sequence.
func EnhanceAnswer(answerSDP, externalIP string, meta models.VendorSdpMetadata) string {
	lines := splitSDPLines(answerSDP)

	if !containsExactLine(lines, "a=direction:passive") {
		log.Printf("[SDP] answer missing a=direction:passive; REMB feedback may not be produced")
	}

	lines = replaceFirstSSRCInSection(lines, "m=audio", meta.AudioSSRC)
	lines = replaceFirstSSRCInSection(lines, "m=video", meta.VideoSSRC)

	for i, line := range lines {
		lines[i] = cnameRe.ReplaceAllString(line, "cname:"+meta.CNAME)
	}

	lines = insertDirectionPassiveInVideo(lines)

	lines = append(lines,
		fmt.Sprintf("a=x-skl-ssrca:%d", meta.AudioSSRC),
		fmt.Sprintf("a=x-skl-ssrcv:%d", meta.VideoSSRC),
		fmt.Sprintf("a=x-skl-cname:%s", meta.CNAME),
	)

	result := strings.Join(lines, "\r\n")
	result = ipv4Re.ReplaceAllString(result, externalIP)
	return result
}

func splitSDPLines(sdpText string) []string {
	normalized := strings.ReplaceAll(sdpText, "\r\n", "\n")
	parts := strings.Split(normalized, "\n")
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func containsExactLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func replaceFirstSSRCInSection(lines []string, sectionPrefix string, ssrc uint32) []string {
	inSection := false
	replaced := false
	out := make([]string, len(lines))
	for i, line := range lines {
		if strings.HasPrefix(line, "m=") {
			inSection = strings.HasPrefix(line, sectionPrefix)
		}
		if inSection && !replaced && ssrcLineRe.MatchString(line) {
			line = ssrcLineRe.ReplaceAllString(line, fmt.Sprintf("a=ssrc:%d", ssrc))
			replaced = true
		}
		out[i] = line
	}
	return out
}

// insertDirectionPassiveInVideo inserts a=direction:passive immediately
// after a=recvonly, within the video section only (spec.md §4.2 step 5 and
// §9's open question — preserved exactly as the source does it).
func insertDirectionPassiveInVideo(lines []string) []string {
	inVideo := false
	added := false
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			inVideo = strings.HasPrefix(line, "m=video")
			added = false
		}
		out = append(out, line)
		if inVideo && !added && line == "a=recvonly" {
			out = append(out, "a=direction:passive")
			added = true
		}
	}
	return out
}

// ValidateAnswer checks the rewritten SDP against spec.md §4.2/§8's
// validation predicate: required substrings, plus a structural parse via
// pion/sdp/v3 to confirm both media sections are well-formed.
func ValidateAnswer(rewrittenSDP string) error {
	required := []string{"goog-remb", "x-skl-ssrca:", "x-skl-ssrcv:", "x-skl-cname:", "m=audio", "m=video", "H264"}
	for _, marker := range required {
		if !strings.Contains(rewrittenSDP, marker) {
			return fmt.Errorf("rewritten sdp missing required marker %q", marker)
		}
	}

	parseable := rewrittenSDP
	if !strings.HasSuffix(parseable, "\r\n") {
		parseable += "\r\n"
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(parseable)); err != nil {
		return fmt.Errorf("rewritten sdp failed structural parse: %w", err)
	}
	if len(sd.MediaDescriptions) < 2 {
		return fmt.Errorf("rewritten sdp expected 2 media sections, got %d", len(sd.MediaDescriptions))
	}
	return nil
}
