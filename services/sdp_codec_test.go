package services

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecam-streaming/core/models"
)

func TestBuildOffer_HasFixedSSRCsAndCRLFLineEndings(t *testing.T) {
	offer, meta := BuildOffer()

	assert.Contains(t, offer, "a=ssrc:229236353")
	assert.Contains(t, offer, "a=ssrc:1607797317")
	assert.True(t, strings.Contains(offer, "\r\n"))
	assert.False(t, strings.Contains(offer, "\n\n"))
	assert.Equal(t, models.FixedAudioSSRC, meta.AudioSSRC)
	assert.Equal(t, models.FixedVideoSSRC, meta.VideoSSRC)
	assert.NotEmpty(t, meta.CNAME)
}

const sampleAnswer = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.5\r\n" +
	"s=kurento\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 45000 RTP/AVPF 96 0\r\n" +
	"a=rtcp:45001\r\n" +
	"a=ssrc:111111 cname:placeholder\r\n" +
	"a=sendrecv\r\n" +
	"m=video 45002 RTP/AVPF 103\r\n" +
	"a=rtcp:45003\r\n" +
	"a=rtpmap:103 H264/90000\r\n" +
	"a=rtcp-fb:103 goog-remb\r\n" +
	"a=ssrc:222222 cname:placeholder\r\n" +
	"a=recvonly\r\n"

func TestEnhanceAnswer_RewritesSSRCsAndCNAMEPerSection(t *testing.T) {
	meta := models.VendorSdpMetadata{
		AudioSSRC: models.FixedAudioSSRC,
		VideoSSRC: models.FixedVideoSSRC,
		CNAME:     "user123@host-abcdef01",
	}

	rewritten := EnhanceAnswer(sampleAnswer, "203.0.113.5", meta)

	assert.Contains(t, rewritten, "a=ssrc:229236353 cname:user123@host-abcdef01")
	assert.Contains(t, rewritten, "a=ssrc:1607797317 cname:user123@host-abcdef01")
	assert.NotContains(t, rewritten, "cname:placeholder")
	assert.Contains(t, rewritten, "a=x-skl-ssrca:229236353")
	assert.Contains(t, rewritten, "a=x-skl-ssrcv:1607797317")
	assert.Contains(t, rewritten, "a=x-skl-cname:user123@host-abcdef01")
	assert.NotContains(t, rewritten, "10.0.0.5")
	assert.Contains(t, rewritten, "203.0.113.5")
	assert.False(t, strings.HasSuffix(rewritten, "\r\n"))
}

func TestEnhanceAnswer_InsertsDirectionPassiveInVideoSectionOnly(t *testing.T) {
	meta := models.VendorSdpMetadata{AudioSSRC: models.FixedAudioSSRC, VideoSSRC: models.FixedVideoSSRC, CNAME: "c@h"}

	rewritten := EnhanceAnswer(sampleAnswer, "203.0.113.5", meta)
	lines := strings.Split(rewritten, "\r\n")

	inVideo := false
	passiveInVideo := false
	passiveInAudio := false
	for i, line := range lines {
		if strings.HasPrefix(line, "m=audio") {
			inVideo = false
		}
		if strings.HasPrefix(line, "m=video") {
			inVideo = true
		}
		if line == "a=direction:passive" {
			if inVideo {
				passiveInVideo = true
			} else {
				passiveInAudio = true
			}
		}
		_ = i
	}
	assert.True(t, passiveInVideo, "expected a=direction:passive in the video section")
	assert.False(t, passiveInAudio, "a=direction:passive must not appear in the audio section")
}

func TestEnhanceAnswer_JSONRoundTripPreservesByteExactSDP(t *testing.T) {
	meta := models.VendorSdpMetadata{AudioSSRC: models.FixedAudioSSRC, VideoSSRC: models.FixedVideoSSRC, CNAME: "c@h"}
	rewritten := EnhanceAnswer(sampleAnswer, "203.0.113.5", meta)

	encoded, err := json.Marshal(rewritten)
	require.NoError(t, err)

	var decoded string
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, rewritten, decoded)
	assert.Contains(t, decoded, "\r\n")
}

func TestValidateAnswer_RejectsSdpMissingRequiredMarkers(t *testing.T) {
	err := ValidateAnswer("v=0\r\nm=audio 1 RTP/AVP 0\r\n")
	assert.Error(t, err)
}

func TestValidateAnswer_AcceptsWellFormedRewrittenAnswer(t *testing.T) {
	meta := models.VendorSdpMetadata{AudioSSRC: models.FixedAudioSSRC, VideoSSRC: models.FixedVideoSSRC, CNAME: "c@h"}
	rewritten := EnhanceAnswer(sampleAnswer, "203.0.113.5", meta)

	assert.NoError(t, ValidateAnswer(rewritten))
}
