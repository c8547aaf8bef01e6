package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTextSanitizer_Sanitize(t *testing.T) {
	s := NewTextSanitizer(0)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"プレーンテキスト", "こんにちは、Taroさん", "こんにちは、Taroさん"},
		{"scriptタグ除去", `<script>alert(1)</script>Taro`, "Taro"},
		{"タグ除去", `<b>Taro</b> <a href="https://x">link</a>`, "Taro link"},
		{"記号は保持", "Tom & Jerry", "Tom & Jerry"},
		{"改行は保持", "line1\nline2", "line1\nline2"},
		{"制御文字除去", "Ta\x1bro\x07", "Taro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Truncates(t *testing.T) {
	s := NewTextSanitizer(5)
	got := s.Sanitize(strings.Repeat("あ", 10))
	if utf8.RuneCountInString(got) != 5 {
		t.Errorf("rune count = %d, want 5", utf8.RuneCountInString(got))
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer(0)
	in := `<p>Hello <em>world</em></p>`
	once := s.Sanitize(in)
	if twice := s.Sanitize(once); twice != once {
		t.Errorf("Sanitize is not idempotent: %q != %q", twice, once)
	}
}
