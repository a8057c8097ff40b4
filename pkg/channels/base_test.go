package channels

import (
	"testing"

	"personet/pkg/profile"
)

type recordingObserver struct {
	inputs []profile.AnalysisInput
}

func (o *recordingObserver) HandleInteraction(input profile.AnalysisInput) {
	o.inputs = append(o.inputs, input)
}

func TestIsAllowed(t *testing.T) {
	cases := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list allows everyone", nil, "123456", true},
		{"plain id match", []string{"123456"}, "123456", true},
		{"plain id mismatch", []string{"123456"}, "999", false},
		{"compound id part", []string{"123456"}, "123456|alice", true},
		{"compound user part", []string{"alice"}, "123456|alice", true},
		{"at-prefixed username", []string{"@alice"}, "123456|alice", true},
		{"blank entries skipped", []string{" ", ""}, "123456", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewBaseChannel("test", nil, tc.allowList)
			if got := c.IsAllowed(tc.senderID); got != tc.want {
				t.Fatalf("IsAllowed(%q) = %v, want %v", tc.senderID, got, tc.want)
			}
		})
	}
}

func TestObserveForwardsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	c := NewBaseChannel("test", obs, nil)

	c.observe(profile.AnalysisInput{Platform: "discord", PlatformUserID: "111"})
	if len(obs.inputs) != 1 || obs.inputs[0].PlatformUserID != "111" {
		t.Fatalf("expected forwarded input, got %v", obs.inputs)
	}

	// nil observer must not panic
	orphan := NewBaseChannel("orphan", nil, nil)
	orphan.observe(profile.AnalysisInput{Platform: "discord"})
}
