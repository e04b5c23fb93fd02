package schema

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeSessionName trims a session name and rejects empty, overlong, or
// control-character names.
func NormalizeSessionName(name string) (string, error) {
	return normalizeLabel(name, false)
}

// NormalizePaneTitle trims a pane title. Empty titles are allowed.
func NormalizePaneTitle(title string) (string, error) {
	return normalizeLabel(title, true)
}

func normalizeLabel(value string, allowEmpty bool) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" && !allowEmpty {
		return "", ErrInvalidRequest
	}
	if !utf8.ValidString(trimmed) || utf8.RuneCountInString(trimmed) > SessionNameMax {
		return "", ErrInvalidRequest
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", ErrInvalidRequest
		}
	}
	return trimmed, nil
}

// ValidateDimensions ensures rows and cols are positive and fit a PTY winsize.
func ValidateDimensions(d Dimensions) error {
	if !d.Valid() || d.Rows > 0xffff || d.Cols > 0xffff {
		return ErrInvalidRequest
	}
	return nil
}

// ValidatePaneID rejects empty or whitespace-padded pane ids.
func ValidatePaneID(id PaneID) error {
	raw := string(id)
	if raw == "" || strings.TrimSpace(raw) != raw {
		return ErrInvalidRequest
	}
	return nil
}
