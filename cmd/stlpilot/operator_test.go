package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/chzyer/readline"
)

type scriptedReader struct {
	lines   []string
	errs    []error
	prompts []string
}

func (s *scriptedReader) SetPrompt(p string) { s.prompts = append(s.prompts, p) }

func (s *scriptedReader) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line, err := s.lines[0], s.errs[0]
	s.lines, s.errs = s.lines[1:], s.errs[1:]
	return line, err
}

func script(lines ...string) *scriptedReader {
	return &scriptedReader{lines: lines, errs: make([]error, len(lines))}
}

func TestConfirm_ReasksUntilAnswer(t *testing.T) {
	// Unrecognised answers print a hint and ask again; " YES " counts as yes
	rl := script("maybe", "", " YES ")
	var out bytes.Buffer
	op := &operator{rl: rl, out: &out}
	ok, err := op.Confirm("Accept the trajectory? (y/n): ")
	if err != nil || !ok {
		t.Fatalf("Confirm = %v, %v", ok, err)
	}
	if got := bytes.Count(out.Bytes(), []byte("Please answer y or n.")); got != 2 {
		t.Errorf("hints = %d, want 2", got)
	}
	if rl.prompts[0] != "Accept the trajectory? (y/n): " || rl.prompts[len(rl.prompts)-1] != userPrompt {
		t.Errorf("prompts = %q", rl.prompts)
	}
}

func TestConfirm_No(t *testing.T) {
	// "n" rejects
	op := &operator{rl: script("n"), out: io.Discard}
	ok, err := op.Confirm("q")
	if err != nil || ok {
		t.Errorf("Confirm = %v, %v", ok, err)
	}
}

func TestConfirm_InterruptIsEOF(t *testing.T) {
	// Ctrl-C during a confirmation surfaces as io.EOF
	rl := &scriptedReader{lines: []string{""}, errs: []error{readline.ErrInterrupt}}
	op := &operator{rl: rl, out: io.Discard}
	if _, err := op.Confirm("q"); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestReadline_InterruptIsEOF(t *testing.T) {
	// Ctrl-C at the user prompt ends the conversation like EOF
	rl := &scriptedReader{lines: []string{"partial"}, errs: []error{readline.ErrInterrupt}}
	op := &operator{rl: rl, out: io.Discard}
	if _, err := op.Readline(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
	if rl.prompts[0] != userPrompt {
		t.Errorf("prompt = %q", rl.prompts[0])
	}
}
