package topics

import "testing"

func TestTopicForParseRoundTrip(t *testing.T) {
	for _, ch := range Channels {
		for _, dir := range []Direction{DirectionPost, DirectionSub} {
			topic := TopicFor("PLAF203A1B2C3", ch, dir)

			serial, gotCh, gotDir, err := Parse(topic)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", topic, err)
			}
			if serial != "PLAF203A1B2C3" || gotCh != ch || gotDir != dir {
				t.Errorf("Parse(%q) = (%q, %q, %q)", topic, serial, gotCh, gotDir)
			}
		}
	}
}

func TestTopicFor(t *testing.T) {
	got := TopicFor("abc123", ChannelService, DirectionSub)
	if got != "dl/plaf203/abc123/service/sub" {
		t.Errorf("TopicFor: got %q", got)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []string{
		"",
		"dl/plaf203/abc/service",
		"dl/plaf203/abc/service/sub/extra",
		"dl/other/abc/service/sub",
		"xx/plaf203/abc/service/sub",
		"dl/plaf203//service/sub",
		"dl/plaf203/abc/video/sub",
		"dl/plaf203/abc/service/push",
	}
	for _, topic := range tests {
		if _, _, _, err := Parse(topic); err == nil {
			t.Errorf("Parse(%q) should fail", topic)
		}
	}
}

func TestSubscribeTopics(t *testing.T) {
	got := SubscribeTopics("dev1")
	if len(got) != len(Channels) {
		t.Fatalf("got %d topics, want %d", len(got), len(Channels))
	}
	seen := make(map[string]bool)
	for _, topic := range got {
		_, _, dir, err := Parse(topic)
		if err != nil {
			t.Errorf("subscribe topic %q invalid: %v", topic, err)
		}
		if dir != DirectionPost {
			t.Errorf("subscribe topic %q is not a post topic", topic)
		}
		seen[topic] = true
	}
	if len(seen) != len(got) {
		t.Error("duplicate subscribe topics")
	}
}

func TestLightweight(t *testing.T) {
	for _, ch := range Channels {
		want := ch == ChannelHeart || ch == ChannelNtp
		if ch.Lightweight() != want {
			t.Errorf("%s.Lightweight() = %v", ch, ch.Lightweight())
		}
	}
}
