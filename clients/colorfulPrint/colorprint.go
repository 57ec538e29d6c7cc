package colorfulprint

import (
	"fmt"
	"io"
	"os"
)

const (
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorReset  = "\033[0m"
)

// Plain disables colors, e.g. when output is piped. NO_COLOR turns it on.
var Plain = os.Getenv("NO_COLOR") != ""

func paint(color, text string) string {
	if Plain {
		return text
	}
	return color + text + ColorReset
}

// PrintError prints text and err in red and returns them as one wrapped error.
func PrintError(w io.Writer, text string, err error) error {
	if err == nil {
		_, _ = fmt.Fprintln(w, paint(ColorRed, text))
		return fmt.Errorf("%s", text)
	}
	_, _ = fmt.Fprintln(w, paint(ColorRed, text+": "+err.Error()))
	return fmt.Errorf("%s: %w", text, err)
}

func PrintState(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintln(w, paint(ColorGreen, fmt.Sprintf(format, args...)))
}

func PrintWarning(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintln(w, paint(ColorYellow, fmt.Sprintf(format, args...)))
}

// PrintField prints "key: value" with the key highlighted.
func PrintField(w io.Writer, key string, value any) {
	_, _ = fmt.Fprintf(w, "%s %v\n", paint(ColorCyan, key+":"), value)
}
