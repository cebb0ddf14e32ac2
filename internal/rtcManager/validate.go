package rtcManager

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// SDPValidationError reports why a remote description was refused.
type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

// validateSDP checks that a remote description parses and carries what ICE
// and DTLS need before it reaches the peer connection.
func validateSDP(sd *webrtc.SessionDescription, expected webrtc.SDPType) error {
	if sd == nil {
		return &SDPValidationError{Field: "SessionDescription", Message: "is nil"}
	}
	if sd.Type != expected {
		return &SDPValidationError{
			Field:   "Type",
			Message: fmt.Sprintf("expected %s, got %s", expected, sd.Type),
		}
	}
	if strings.TrimSpace(sd.SDP) == "" {
		return &SDPValidationError{Field: "SDP", Message: "is empty"}
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return &SDPValidationError{Field: "SDP", Message: err.Error()}
	}

	if len(parsed.MediaDescriptions) == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}

	_, sessionUfrag := parsed.Attribute("ice-ufrag")
	sessionFingerprint, hasSessionFingerprint := parsed.Attribute("fingerprint")

	var hasAudio, hasVideo bool
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio":
			hasAudio = true
		case "video":
			hasVideo = true
		}

		if _, ok := md.Attribute("ice-ufrag"); !ok && !sessionUfrag {
			return &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
		}
		fingerprint, ok := md.Attribute("fingerprint")
		if !ok {
			if !hasSessionFingerprint {
				return &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
			}
			fingerprint = sessionFingerprint
		}
		if strings.TrimSpace(fingerprint) == "" {
			return &SDPValidationError{Field: "Fingerprint", Message: "empty DTLS fingerprint"}
		}
	}

	if !hasAudio && !hasVideo {
		return &SDPValidationError{Field: "Media", Message: "neither audio nor video tracks found"}
	}
	return nil
}

// iceUfrags collects every ice-ufrag a description announces. It returns nil
// when there is nothing to compare against.
func iceUfrags(sd *webrtc.SessionDescription) map[string]bool {
	if sd == nil {
		return nil
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return nil
	}
	ufrags := map[string]bool{}
	if u, ok := parsed.Attribute("ice-ufrag"); ok {
		ufrags[u] = true
	}
	for _, md := range parsed.MediaDescriptions {
		if u, ok := md.Attribute("ice-ufrag"); ok {
			ufrags[u] = true
		}
	}
	if len(ufrags) == 0 {
		return nil
	}
	return ufrags
}

// staleCandidate reports whether c names a ufrag other than the ones the
// remote description uses. Candidates without a ufrag are never stale.
func staleCandidate(c webrtc.ICECandidateInit, ufrags map[string]bool) bool {
	if ufrags == nil || c.UsernameFragment == nil || *c.UsernameFragment == "" {
		return false
	}
	return !ufrags[*c.UsernameFragment]
}

// validateCandidate rejects candidate lines that are missing required fields.
func validateCandidate(c webrtc.ICECandidateInit) error {
	line := strings.TrimPrefix(strings.TrimSpace(c.Candidate), "candidate:")
	if _, err := ice.UnmarshalCandidate(line); err != nil {
		return fmt.Errorf("invalid ICE candidate %q: %w", c.Candidate, err)
	}
	return nil
}
