package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"

func TestParseDescriptionShapes(t *testing.T) {
	sdpJSON, err := json.Marshal(testSDP)
	require.NoError(t, err)
	sdp := string(sdpJSON)

	tests := []struct {
		name  string
		frame string
		want  webrtc.SDPType
	}{
		{"nested sdp object", `{"type":"offer","from":"a","data":{"sdp":{"type":"offer","sdp":` + sdp + `}}}`, webrtc.SDPTypeOffer},
		{"flat description", `{"type":"answer","from":"a","data":{"type":"answer","sdp":` + sdp + `}}`, webrtc.SDPTypeAnswer},
		{"signal wrapper", `{"type":"offer","data":{"from":"a","signal":{"type":"offer","sdp":` + sdp + `}}}`, webrtc.SDPTypeOffer},
		{"bare sdp string", `{"type":"offer","from":"a","data":{"sdp":` + sdp + `}}`, webrtc.SDPTypeOffer},
		{"payload instead of data", `{"type":"answer","from":"a","payload":{"answer":{"type":"answer","sdp":` + sdp + `}}}`, webrtc.SDPTypeAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, "a", msg.From)
			require.NotNil(t, msg.SDP)
			assert.Equal(t, tt.want, msg.SDP.Type)
			assert.Equal(t, testSDP, msg.SDP.SDP)
		})
	}
}

func TestParseCandidateShapes(t *testing.T) {
	const line = "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"

	tests := []struct {
		name    string
		frame   string
		wantNil bool
		wantMid string
	}{
		{"nested object", `{"type":"ice-candidate","from":"a","data":{"candidate":{"candidate":"` + line + `","sdpMid":"0","sdpMLineIndex":0}}}`, false, "0"},
		{"flat init", `{"type":"ice-candidate","from":"a","data":{"candidate":"` + line + `","sdpMid":"1"}}`, false, "1"},
		{"signal wrapper", `{"type":"ice-candidate","from":"a","data":{"signal":{"candidate":"` + line + `","sdpMid":"0"}}}`, false, "0"},
		{"bare string", `{"type":"ice-candidate","from":"a","data":"` + line + `"}`, false, ""},
		{"null candidate", `{"type":"ice-candidate","from":"a","data":{"candidate":null}}`, true, ""},
		{"empty candidate", `{"type":"ice-candidate","from":"a","data":{"candidate":""}}`, true, ""},
		{"no data", `{"type":"ice-candidate","from":"a"}`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, msg.Candidate)
				return
			}
			require.NotNil(t, msg.Candidate)
			assert.Equal(t, line, msg.Candidate.Candidate)
			if tt.wantMid != "" {
				require.NotNil(t, msg.Candidate.SDPMid)
				assert.Equal(t, tt.wantMid, *msg.Candidate.SDPMid)
			}
		})
	}
}

func TestParseParticipantShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"top level participant", `{"type":"participant-joined","participant":{"id":"u1"}}`, `{"id":"u1"}`},
		{"participantId", `{"type":"participant-left","participantId":"u1"}`, `"u1"`},
		{"data", `{"type":"participant-updated","data":{"userId":"u1","userName":"Ann"}}`, `{"userId":"u1","userName":"Ann"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(msg.Participant))
		})
	}

	list, err := Parse([]byte(`{"type":"participants-list","data":{"participants":["u1",{"id":"u2"}]}}`))
	require.NoError(t, err)
	assert.Len(t, list.Participants, 2)

	list, err = Parse([]byte(`{"type":"participants-list","participants":[{"userId":"u3"}]}`))
	require.NoError(t, err)
	assert.Len(t, list.Participants, 1)

	list, err = Parse([]byte(`{"type":"participants-list","data":[]}`))
	require.NoError(t, err)
	assert.Empty(t, list.Participants)
}

func TestParseChatAndError(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"chat-message","from":"u1","payload":{"userName":"Ann","text":"hi","timestamp":"2024-05-01T10:00:00Z"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Chat)
	assert.Equal(t, "u1", msg.Chat.UserID)
	assert.Equal(t, "hi", msg.Chat.Text)
	assert.Equal(t, 2024, msg.Chat.Timestamp.Year())

	msg, err = Parse([]byte(`{"type":"error","data":{"message":"room full"}}`))
	require.NoError(t, err)
	assert.Equal(t, "room full", msg.Error)

	msg, err = Parse([]byte(`{"type":"error","message":"kicked"}`))
	require.NoError(t, err)
	assert.Equal(t, "kicked", msg.Error)
}

func TestParseMalformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"mystery"}`,
		`{"type":"offer","from":"a"}`,
		`{"type":"offer","data":{"sdp":"v=0"}}`,
		`{"type":"offer","from":"a","data":{"type":"answer","sdp":"v=0"}}`,
		`{"type":"ice-candidate","from":"a","data":42}`,
		`{"type":"participant-joined"}`,
		`{"type":"participants-list","data":{"participants":"u1"}}`,
		`{"type":"chat-message","data":{"userId":"u1"}}`,
	}

	for _, frame := range frames {
		_, err := Parse([]byte(frame))
		require.Error(t, err, frame)
		assert.True(t, errors.Is(err, ErrMalformed), frame)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
	out := NewDescription("b", offer)
	out.From = "a"

	frame, err := json.Marshal(out)
	require.NoError(t, err)

	msg, err := Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeOffer, msg.Type)
	assert.Equal(t, "a", msg.From)
	assert.Equal(t, offer, *msg.SDP)

	mid := "0"
	out = NewCandidate("b", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host", SDPMid: &mid})
	out.From = "a"
	frame, err = json.Marshal(out)
	require.NoError(t, err)
	msg, err = Parse(frame)
	require.NoError(t, err)
	require.NotNil(t, msg.Candidate)
	assert.Equal(t, "0", *msg.Candidate.SDPMid)

	toggle, err := json.Marshal(NewToggle(webrtc.RTPCodecTypeVideo, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"toggle-video","data":{"enabled":false}}`, string(toggle))
}
