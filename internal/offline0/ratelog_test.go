package offline0

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateLimitedLoggerSuppresses(t *testing.T) {
	var buf bytes.Buffer
	l := newRateLimitedLogger(zerolog.New(&buf), 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		l.Warn(errors.New("disk full"), "https://tresorerie.example/app/", "background cache write failed")
	}
	time.Sleep(60 * time.Millisecond)
	l.Warn(nil, "https://tresorerie.example/app/", "background cache write failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("logged %d lines, want 2:\n%s", len(lines), buf.String())
	}
	var last struct {
		Suppressed int `json:"suppressed"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatal(err)
	}
	if last.Suppressed != 2 {
		t.Fatalf("suppressed = %d, want 2", last.Suppressed)
	}
}
