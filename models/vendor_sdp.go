package models

// Fixed SSRCs the camera firmware expects literally (spec.md Glossary). Do
// not change these unless the target firmware is confirmed to accept
// different values.
const (
	FixedAudioSSRC uint32 = 229236353
	FixedVideoSSRC uint32 = 1607797317
)

// VendorSdpMetadata is created once per StreamSession and is immutable for
// the session's lifetime (spec.md §3).
type VendorSdpMetadata struct {
	AudioSSRC uint32
	VideoSSRC uint32
	CNAME     string
	AudioPort int
	VideoPort int
	RTCPPort  int
}
