package security

import "testing"

// TestSanitize_StripsMarkup はタグが除去されテキストのみが残ることを検証する。
func TestSanitize_StripsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "プレーンテキストはそのまま",
			input: "Jane Doe",
			want:  "Jane Doe",
		},
		{
			name:  "太字タグが除去される",
			input: "<b>Jane</b> Doe",
			want:  "Jane Doe",
		},
		{
			name:  "scriptは内容ごと除去される",
			input: `Jane<script>alert("x")</script>`,
			want:  "Jane",
		},
		{
			name:  "イベント属性付きのタグが除去される",
			input: `<img src=x onerror="alert(1)">Jane`,
			want:  "Jane",
		},
		{
			name:  "エンティティは元の文字に戻る",
			input: "Tom &amp; Jerry",
			want:  "Tom & Jerry",
		},
		{
			name:  "空白が正規化される",
			input: "  Mary \n\t Ann  ",
			want:  "Mary Ann",
		},
		{
			name:  "空文字列",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	input := "<p>Jane &lt;Doe&gt;</p>"

	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(input)
	if first != second {
		t.Errorf("同一入力で結果が異なる: %q, %q", first, second)
	}
}
