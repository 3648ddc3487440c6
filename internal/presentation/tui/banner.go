package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/termenv"
)

// PrintBanner writes the MedFlow banner and version to w.
// Colors degrade to plain text when w is not a color terminal.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	// Using a subtle gradient-like color scheme (Teal/Cyan)
	lines := []struct {
		text, color string
	}{
		{` __  __          _ _____ _`, "#2dd4bf"},
		{`|  \/  | ___  __| |  ___| | _____      __`, "#22d3ee"},
		{`| |\/| |/ _ \/ _' | |_  | |/ _ \ \ /\ / /`, "#38bdf8"},
		{`| |  | |  __/ (_| |  _| | | (_) \ V  V /`, "#60a5fa"},
		{`|_|  |_|\___|\__,_|_|   |_|\___/ \_/\_/`, "#818cf8"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w, out.String("  clinical session lifecycle  v"+strings.TrimSpace(version)).Faint())
	fmt.Fprintln(w)
}
