package security

import "testing"

// 全てのHTMLタグが除去されることを検証
func TestSanitize_StripsAllMarkup(t *testing.T) {
	s := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "こんにちは", "こんにちは"},
		{"scriptタグの除去", `before<script>alert("x")</script>after`, "beforeafter"},
		{"通常タグの除去", "<p>hello <strong>world</strong></p>", "hello world"},
		{"イベント属性付きタグの除去", `<img src="x" onerror="alert(1)">text`, "text"},
		{"空文字列", "", ""},
		{"iframeの除去", `<iframe src="https://evil.example"></iframe>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// 冪等性を検証: 2回適用しても結果が変わらないこと
func TestSanitize_Idempotent(t *testing.T) {
	s := NewContentSanitizer()

	input := `hello <b>bold</b> <script>bad()</script> world`
	once := s.Sanitize(input)
	twice := s.Sanitize(once)

	if once != twice {
		t.Errorf("Sanitize is not idempotent: once=%q twice=%q", once, twice)
	}
}

var _ ContentSanitizerService = (*contentSanitizer)(nil)
