package tmux

import "testing"

func TestStripANSI(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain text", "plain text"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"\x1b[1;32;40mbold\x1b[m", "bold"},
		{"\x1b]0;window title\x07body", "body"},
		{"line\x1b[2K\x1b[1Gprompt", "lineprompt"},
	}
	for _, c := range cases {
		if got := StripANSI(c.in); got != c.want {
			t.Errorf("StripANSI(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLastLines(t *testing.T) {
	text := "one\ntwo\nthree\nfour\n\n\n"
	if got := LastLines(text, 2); got != "three\nfour" {
		t.Errorf("LastLines = %q", got)
	}
	if got := LastLines(text, 10); got != "one\ntwo\nthree\nfour" {
		t.Errorf("LastLines with large n = %q", got)
	}
	if got := LastLines("single", 0); got != "single" {
		t.Errorf("LastLines with n=0 = %q", got)
	}
}

func TestIsSessionMissingMessage(t *testing.T) {
	missing := []string{
		"can't find session: dc-abc",
		"no server running on /tmp/tmux-1000/default",
		"error connecting to /tmp/tmux-1000/default (No such file or directory)",
		"no sessions",
	}
	for _, m := range missing {
		if !isSessionMissingMessage(m) {
			t.Errorf("expected %q to read as missing", m)
		}
	}
	if isSessionMissingMessage("protocol version mismatch") {
		t.Error("unrelated error misread as missing session")
	}
}
