package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sgx-labs/lore"
)

func TestRunGet_NotFound(t *testing.T) {
	setupCommandTest(t)

	err := runGet("01JUNKJUNKJUNKJUNKJUNKJUNK", false, false)
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	if !strings.Contains(err.Error(), "No lesson") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunGet_Formats(t *testing.T) {
	setupCommandTest(t)
	startEmbedServer(t)

	captureCommandStdout(t, func() {
		if err := runPublish("", "stale DNS cache", "restart systemd-resolved", "it recurs after VPN drops",
			[]string{"dns"}, 0.6, "", 0); err != nil {
			t.Errorf("runPublish: %v", err)
		}
	})
	id := listedLessons(t)[0].ID

	var runErr error
	out := captureCommandStdout(t, func() {
		runErr = runGet(id, true, false)
	})
	if runErr != nil {
		t.Fatalf("runGet json: %v", runErr)
	}
	var lesson lore.Lesson
	if err := json.Unmarshal([]byte(out), &lesson); err != nil {
		t.Fatalf("decode get output: %v\n%s", err, out)
	}
	if lesson.ID != id || lesson.Problem != "stale DNS cache" {
		t.Errorf("got lesson %q / %q", lesson.ID, lesson.Problem)
	}

	out = captureCommandStdout(t, func() {
		runErr = runGet(id, false, true)
	})
	if runErr != nil {
		t.Fatalf("runGet markdown: %v", runErr)
	}
	if !strings.Contains(out, "## Problem") || !strings.Contains(out, "## Resolution") {
		t.Fatalf("expected markdown sections, got: %q", out)
	}
	if !strings.Contains(out, "id: "+id) {
		t.Fatalf("expected frontmatter id, got: %q", out)
	}

	out = captureCommandStdout(t, func() {
		runErr = runGet(id, false, false)
	})
	if runErr != nil {
		t.Fatalf("runGet human: %v", runErr)
	}
	if !strings.Contains(out, "restart systemd-resolved") {
		t.Fatalf("expected resolution in output, got: %q", out)
	}
}
