package safename

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnsafeFilename is returned for names that a shell could misinterpret.
var ErrUnsafeFilename = errors.New("unsafe filename")

// hazards are characters with meaning to a POSIX shell.
const hazards = "*?><|;&$`'\"(){}[]!~#\\"

// UnsafeFilenameError names the offending filename and character.
type UnsafeFilenameError struct {
	Name string
	Char rune
}

func (e *UnsafeFilenameError) Error() string {
	if e.Char == 0 {
		return fmt.Sprintf("%s: %q", ErrUnsafeFilename, e.Name)
	}
	return fmt.Sprintf("%s: %q contains %q", ErrUnsafeFilename, e.Name, e.Char)
}

func (e *UnsafeFilenameError) Unwrap() error {
	return ErrUnsafeFilename
}

// Check rejects empty names, names with whitespace, and names containing
// shell metacharacters. It performs no I/O.
func Check(name string) error {
	if name == "" {
		return &UnsafeFilenameError{Name: name}
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(hazards, r) {
			return &UnsafeFilenameError{Name: name, Char: r}
		}
	}
	return nil
}
