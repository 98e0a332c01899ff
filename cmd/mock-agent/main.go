// Package main is a stand-in LLM CLI for local development. It speaks the
// same contract the session supervisor expects from a real agent CLI: the
// prompt arrives on stdin, --session-id starts a conversation, --resume
// continues one, and tool calls go to stdout as JSON lines.
//
// Behavior comes from a scenario file (one response per turn) so a full
// spawn/sleep/wake/complete lifecycle can be driven without an LLM:
//
//	SQUADRON_MOCK_SCENARIO=./scenario.txt squadron serves it turn by turn.
//
// Without a scenario the mock completes on its first turn.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const scenarioSeparator = "---"

func main() {
	sessionID := flag.String("session-id", "", "start a new conversation")
	resume := flag.String("resume", "", "continue an existing conversation")
	flag.Parse()

	id := *sessionID
	if id == "" {
		id = *resume
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "mock-agent: --session-id or --resume is required")
		os.Exit(2)
	}

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: reading prompt: %v\n", err)
		os.Exit(1)
	}

	turn, err := nextTurn(stateDir(), id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: tracking turn: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(respond(os.Getenv("SQUADRON_MOCK_SCENARIO"), string(prompt), turn))
}

// respond picks this turn's output: the scenario's matching block when one
// exists, a completion otherwise.
func respond(scenarioPath, prompt string, turn int) string {
	if scenarioPath != "" {
		turns, err := loadScenario(scenarioPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: loading scenario: %v\n", err)
			os.Exit(1)
		}
		if turn < len(turns) {
			return turns[turn]
		}
		// Script exhausted: finish rather than loop forever.
	}

	_ = prompt
	return `Work looks done.` + "\n" +
		`{"tool": "report_complete", "summary": "mock agent finished"}` + "\n"
}

// loadScenario splits the file into per-turn responses on "---" lines.
func loadScenario(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []string
	var current strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == scenarioSeparator {
			turns = append(turns, current.String())
			current.Reset()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current.Len() > 0 {
		turns = append(turns, current.String())
	}
	return turns, nil
}

// nextTurn reads and advances the per-session turn counter. The counter
// lives on disk because every turn is a fresh process.
func nextTurn(dir, sessionID string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	path := filepath.Join(dir, sessionID+".turn")

	turn := 0
	if data, err := os.ReadFile(path); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			turn = n
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(turn+1)), 0o644); err != nil {
		return 0, err
	}
	return turn, nil
}

func stateDir() string {
	if dir := os.Getenv("SQUADRON_MOCK_STATE"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "squadron-mock-agent")
}
