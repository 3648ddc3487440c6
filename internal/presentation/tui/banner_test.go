package tui

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintBanner_PlainWriter(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "0.1.0\n")

	out := buf.String()
	if !strings.Contains(out, "v0.1.0") {
		t.Errorf("Expected version in banner, got:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("Expected no escape codes for a non-terminal writer, got:\n%q", out)
	}
}
