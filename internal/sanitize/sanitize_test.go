package sanitize

import "testing"

func TestClean(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain passthrough", "hello\nworld", "hello\nworld"},
		{"csi color stripped", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor movement stripped", "\x1b[2J\x1b[Hcleared", "cleared"},
		{"osc title stripped", "\x1b]0;window title\x07visible", "visible"},
		{"cr keeps final rewrite", "progress 10%\rprogress 50%\rprogress 100%", "progress 100%"},
		{"cr per line", "a\rb\nc\rd", "b\nd"},
		{"trailing cr leaves empty", "gone\r", ""},
		{"mixed ansi and cr", "\x1b[1mstep 1\x1b[0m\rstep 2", "step 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Clean(tc.in); got != tc.want {
				t.Fatalf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
