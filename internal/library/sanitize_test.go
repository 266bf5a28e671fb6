package library

import (
	"strings"
	"testing"
)

func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"My Video!", 200, "My_Video"},
		{"  --Already-Fine_Title--  ", 200, "--Already-Fine_Title--"},
		{"a // b ?? c", 200, "a_b_c"},
		{"___", 200, ""},
		{"日本語", 200, ""},
		{"abcd efgh", 5, "abcd"},
		{"Rick Astley - Never Gonna Give You Up (Official Video)", 200, "Rick_Astley_-_Never_Gonna_Give_You_Up_Official_Video"},
	}
	for _, tc := range cases {
		if got := SanitizeTitle(tc.in, tc.maxLen); got != tc.want {
			t.Fatalf("SanitizeTitle(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}

func TestSanitizeTitleIdempotent(t *testing.T) {
	inputs := []string{
		"My Video!",
		"[4K] Live at Budokan // 2024",
		"x" + strings.Repeat(" y", 150),
		"emoji 🎬 title",
		"_leading and trailing_",
	}
	for _, in := range inputs {
		for _, maxLen := range []int{10, 17, 200} {
			once := SanitizeTitle(in, maxLen)
			twice := SanitizeTitle(once, maxLen)
			if once != twice {
				t.Fatalf("not idempotent for %q (max %d): %q -> %q", in, maxLen, once, twice)
			}
			if len(once) > maxLen {
				t.Fatalf("result exceeds max length: %q", once)
			}
		}
	}
}
