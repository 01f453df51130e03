package security

import (
	"fmt"
	"sort"
	"strings"
)

// shellMetachars are characters that change the meaning of a shell word.
var shellMetachars = []string{
	";",  // Command separator
	"|",  // Pipe
	"&",  // Background/AND
	"$",  // Variable expansion
	"`",  // Command substitution
	"\n", // Newline (command separator)
	">",  // Redirect output
	"<",  // Redirect input
	"(",  // Subshell start
	")",  // Subshell end
	"{",  // Brace expansion start
	"}",  // Brace expansion end
	"*",  // Glob wildcard
	"?",  // Glob single char
	"[",  // Glob character class
	"]",  // Glob character class end
	"\\", // Escape character
	"'",  // Single quote
	"\"", // Double quote
	"~",  // Home expansion
	"#",  // Comment
}

// ContainsShellMetachars checks if a string contains shell metacharacters.
func ContainsShellMetachars(s string) bool {
	for _, char := range shellMetachars {
		if strings.Contains(s, char) {
			return true
		}
	}
	return false
}

// ValidateShellWords rejects values that would not survive as a single,
// literal shell word: empty strings, whitespace, leading dashes and
// metacharacters. Labels name each value in the error message.
//
//	ValidateShellWords(map[string]string{"app": app, "user": user})
func ValidateShellWords(words map[string]string) error {
	var problems []string
	for label, word := range words {
		switch {
		case word == "":
			problems = append(problems, fmt.Sprintf("%s is empty", label))
		case strings.HasPrefix(word, "-"):
			problems = append(problems, fmt.Sprintf("%s cannot start with '-': %q", label, word))
		case strings.ContainsAny(word, " \t\r"):
			problems = append(problems, fmt.Sprintf("%s contains whitespace: %q", label, word))
		case ContainsShellMetachars(word):
			problems = append(problems, fmt.Sprintf("%s contains shell metacharacters: %q", label, word))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("unsafe shell words: %s", strings.Join(problems, "; "))
	}
	return nil
}

