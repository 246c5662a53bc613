package gates

import (
	"strings"
	"testing"
)

func TestModerateCleanText(t *testing.T) {
	f := NewWordFilter()

	result := f.Moderate("today was actually a pretty good day")
	if result.Blocked {
		t.Fatal("clean text must not be blocked")
	}
	if result.CensoredText != "today was actually a pretty good day" {
		t.Fatalf("clean text must not be altered: %q", result.CensoredText)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
}

func TestModerateThreatBlocks(t *testing.T) {
	f := NewWordFilter()

	result := f.Moderate("i am going to kill him tomorrow")
	if !result.Blocked {
		t.Fatal("threatening language must block")
	}
	if !strings.Contains(result.CensoredText, "****") {
		t.Fatalf("threat word should be masked: %q", result.CensoredText)
	}
}

func TestModerateObfuscatedThreat(t *testing.T) {
	f := NewWordFilter()

	for _, text := range []string{
		"i will k!ll you",
		"i will k1ll you",
		"i will kiiillll you",
		"i will KILL you",
	} {
		result := f.Moderate(text)
		if !result.Blocked {
			t.Errorf("obfuscated threat not caught: %q", text)
		}
	}
}

func TestModerateWordBoundary(t *testing.T) {
	f := NewWordFilter()

	// "skill" contains "kill" but is not a threat.
	result := f.Moderate("writing is a skill worth practicing")
	if result.Blocked {
		t.Fatal("substring inside a longer word must not match")
	}
}

func TestModerateSelfHarmWarnsWithoutBlocking(t *testing.T) {
	f := NewWordFilter()

	result := f.Moderate("lately i just want to die")
	if result.Blocked {
		t.Fatal("self-harm language must never block")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("self-harm language should attach a support warning")
	}
	if strings.Contains(result.CensoredText, "want to die") {
		t.Fatalf("self-harm phrase should be masked: %q", result.CensoredText)
	}
}

func TestCleanText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello world"},
		{"k!ll", "kill"},
		{"rrraaaapeee", "rape"},
		{"  spaced   out  ", "spaced out"},
		{"punct,uation!here", "punct uationihere"},
	}
	for _, tc := range cases {
		if got := CleanText(tc.in); got != tc.want {
			t.Errorf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
