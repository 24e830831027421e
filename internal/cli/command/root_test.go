package command

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
)

func TestApp_Structure(t *testing.T) {
	app := App()
	if app.Name != "synapctl" {
		t.Errorf("Name = %q, want %q", app.Name, "synapctl")
	}

	commandNames := make(map[string]bool)
	for _, cmd := range app.Commands {
		commandNames[cmd.Name] = true
	}
	for _, name := range []string{"kv", "queue", "stream", "admin"} {
		if !commandNames[name] {
			t.Errorf("missing required command: %s", name)
		}
	}

	flagNames := make(map[string]bool)
	for _, flag := range app.Flags {
		flagNames[flag.Names()[0]] = true
	}
	for _, name := range []string{"data-dir", "config", "output", "wide"} {
		if !flagNames[name] {
			t.Errorf("missing required flag: %s", name)
		}
	}
}

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// everything written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestApp_KVSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	app := App()

	var setOut, getOut string
	setOut = captureStdout(t, func() {
		if err := app.Run([]string{"synapctl", "--data-dir", dir, "--output", "json", "kv", "set", "foo", "bar"}); err != nil {
			t.Fatalf("kv set: %v", err)
		}
	})
	var setResult map[string]string
	if err := json.Unmarshal([]byte(setOut), &setResult); err != nil {
		t.Fatalf("unmarshal set output %q: %v", setOut, err)
	}
	if setResult["outcome"] != "created" {
		t.Errorf("outcome = %q, want created", setResult["outcome"])
	}

	app = App()
	getOut = captureStdout(t, func() {
		if err := app.Run([]string{"synapctl", "--data-dir", dir, "--output", "json", "kv", "get", "foo"}); err != nil {
			t.Fatalf("kv get: %v", err)
		}
	})
	var getResult map[string]string
	if err := json.Unmarshal([]byte(getOut), &getResult); err != nil {
		t.Fatalf("unmarshal get output %q: %v", getOut, err)
	}
	if getResult["value"] != "bar" {
		t.Errorf("value = %q, want bar", getResult["value"])
	}
}

func TestApp_QueuePublishConsumeAck(t *testing.T) {
	dir := t.TempDir()

	run := func(args ...string) string {
		app := App()
		return captureStdout(t, func() {
			full := append([]string{"synapctl", "--data-dir", dir, "--output", "json"}, args...)
			if err := app.Run(full); err != nil {
				t.Fatalf("run %v: %v", args, err)
			}
		})
	}

	run("queue", "create", "orders")
	run("queue", "publish", "orders", "hello")

	consumeOut := run("queue", "consume", "orders", "worker-1")
	var msg map[string]any
	if err := json.Unmarshal([]byte(consumeOut), &msg); err != nil {
		t.Fatalf("unmarshal consume output %q: %v", consumeOut, err)
	}
	if msg["payload"] != "hello" {
		t.Fatalf("payload = %v, want hello", msg["payload"])
	}

	run("queue", "ack", "orders", msg["message_id"].(string))

	statsOut := run("queue", "stats", "orders")
	var stats map[string]any
	if err := json.Unmarshal([]byte(statsOut), &stats); err != nil {
		t.Fatalf("unmarshal stats output %q: %v", statsOut, err)
	}
	if stats["Depth"] != float64(0) {
		t.Errorf("depth after ack = %v, want 0", stats["Depth"])
	}
}
