package safety

import "regexp"

// ansiCSI matches ANSI CSI escape sequences (cursor movement, color codes,
// etc.), the same class of control sequence the injection-marker patterns in
// this package already watch for, generalized here to plain removal rather
// than detection.
var ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// StripANSI removes ANSI CSI escape sequences from s.
func StripANSI(s string) string {
	return ansiCSI.ReplaceAllString(s, "")
}

// promptEcho matches a leading shell-prompt echo up to and including a
// "claude>" marker, which some child CLIs print before their real output.
var promptEcho = regexp.MustCompile(`(?s)^.*?claude>\s*`)

// TrimPromptEcho removes a leading prompt echo, if present.
func TrimPromptEcho(s string) string {
	return promptEcho.ReplaceAllString(s, "")
}
