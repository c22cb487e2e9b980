package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// lineReader is the slice of *readline.Instance the operator uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// operator is the terminal side of the mission: it feeds the translator's
// interactive turns and answers the loop's y/n confirmations.
type operator struct {
	rl  lineReader
	out io.Writer
}

const userPrompt = "User: "

// Readline reads one conversation line. Ctrl-C is reported as io.EOF so the
// translator ends the conversation instead of failing.
func (o *operator) Readline() (string, error) {
	o.rl.SetPrompt(userPrompt)
	line, err := o.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

// Confirm asks question until the operator answers y/yes or n/no.
//
// Expectations:
//   - Answers are case-insensitive and trimmed
//   - Anything else re-asks with a hint
//   - Ctrl-C or EOF ends the question with io.EOF
func (o *operator) Confirm(question string) (bool, error) {
	o.rl.SetPrompt(question)
	defer o.rl.SetPrompt(userPrompt)
	for {
		line, err := o.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return false, io.EOF
		}
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(o.out, "Please answer y or n.")
	}
}
