package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"atelier/pkg/proto"
)

// responder decides how each interrupt is answered: scripted answers first,
// then defaults when auto is set, then the terminal when stdin is one.
type responder struct {
	answers     map[string]any
	auto        bool
	interactive bool
	in          *bufio.Reader
	out         io.Writer
}

func newResponder(answers map[string]any, auto bool, in io.Reader, out io.Writer) *responder {
	f, isFile := in.(*os.File)
	return &responder{
		answers:     answers,
		auto:        auto,
		interactive: isFile && term.IsTerminal(int(f.Fd())),
		in:          bufio.NewReader(in),
		out:         out,
	}
}

// respond returns the response for an interrupt of kind. ok is false when the
// session should stay paused.
func (r *responder) respond(kind string) (resp any, ok bool, err error) {
	if scripted, found := r.answers[kind]; found {
		return scripted, true, nil
	}
	if r.auto {
		return defaultResponse(kind), true, nil
	}
	if !r.interactive {
		return nil, false, nil
	}

	fmt.Fprint(r.out, color.CyanString("response [Enter = default, action name, JSON, q = pause]: "))
	line, err := r.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("read response: %w", err)
	}
	return parseResponse(kind, line)
}

// parseResponse interprets one line of terminal input.
func parseResponse(kind, line string) (any, bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return defaultResponse(kind), true, nil
	case line == "q":
		return nil, false, nil
	case strings.HasPrefix(line, "{"):
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, false, fmt.Errorf("invalid JSON response: %w", err)
		}
		return m, true, nil
	default:
		return map[string]any{"action": line}, true, nil
	}
}

// defaultResponse accepts whatever the interrupt proposes.
func defaultResponse(kind string) map[string]any {
	switch proto.InteractionType(kind) {
	case proto.InteractionStep1, proto.InteractionConfirmation:
		return map[string]any{"action": "confirm"}
	case proto.InteractionStep2:
		return map[string]any{"values": map[string]any{}}
	case proto.InteractionStep3:
		return map[string]any{"answers": map[string]any{}}
	default:
		return map[string]any{"action": "approve"}
	}
}

// loadAnswers reads a JSON object mapping interaction types to responses.
func loadAnswers(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	var answers map[string]any
	if err := json.Unmarshal(raw, &answers); err != nil {
		return nil, fmt.Errorf("parse answers %s: %w", path, err)
	}
	return answers, nil
}
