// Package main implements a mock agent binary speaking the stream-json CLI
// dialect: prompt on stdin, newline-delimited JSON events on stdout. It
// produces a deterministic sequence for tests and local runs without a real
// agent installed.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

type event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func main() {
	chunks := flag.Int("chunks", 3, "number of text events to emit")
	delay := flag.Duration("delay", 10*time.Millisecond, "pause between events")
	exitCode := flag.Int("exit-code", 0, "process exit code after the stream")
	garble := flag.Bool("garble", false, "emit one malformed line mid-stream")
	flag.String("model", "", "accepted and ignored")
	flag.String("resume", "", "accepted and ignored")
	flag.Parse()

	prompt, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: read stdin: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	emit := func(e event) {
		_ = enc.Encode(e)
		time.Sleep(*delay)
	}

	emit(event{Type: "system", Subtype: "init", SessionID: sessionID})

	for i := 0; i < *chunks; i++ {
		if *garble && i == *chunks/2 {
			fmt.Println("this is not json")
			time.Sleep(*delay)
		}
		emit(event{Type: "text", SessionID: sessionID, Text: fmt.Sprintf("chunk %d\n", i)})
	}

	summary := strings.TrimSpace(string(prompt))
	if len(summary) > 40 {
		summary = summary[:40]
	}
	emit(event{
		Type:      "result",
		SessionID: sessionID,
		Result:    fmt.Sprintf("echo: %s", summary),
		IsError:   *exitCode != 0,
	})

	os.Exit(*exitCode)
}
