package cli

import (
	"os"

	"github.com/charmbracelet/huh"
)

// isAccessibleMode reports whether ACCESSIBLE is set, which swaps the
// interactive TUI for plain prompts that screen readers can follow.
func isAccessibleMode() bool {
	return os.Getenv("ACCESSIBLE") != ""
}

// NewAccessibleForm builds a huh form that honours ACCESSIBLE.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	form := huh.NewForm(groups...)
	if isAccessibleMode() {
		form = form.WithAccessible(true)
	}
	return form
}
