package hylog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	old := SetWriter(&buf)
	defer SetWriter(old)

	SetLevel(int(WarnLevel))
	Infof("should not appear")
	Warningf("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info line leaked through at warn level: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warning line missing: %q", out)
	}
}
