// Package pin provides PIN sources for the pairing agent: a pre-supplied
// constant, or an interactive read from the controlling terminal with
// echo suppressed. Keeping PIN acquisition behind one interface lets the
// orchestrator stay identical for either source.
package pin

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/term"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)

// Source returns a decimal PIN on demand.
type Source interface {
	PIN() (string, error)
}

// Static is a pre-supplied PIN, used non-interactively when --pin is
// given.
type Static string

// PIN returns the constant value.
func (s Static) PIN() (string, error) {
	if !pinPattern.MatchString(string(s)) {
		return "", fmt.Errorf("pin: %q is not a 4-8 digit decimal PIN", string(s))
	}
	return string(s), nil
}

// Terminal reads a PIN interactively from the controlling terminal with
// echo suppressed, falling back to a plain line read when stdin is not a
// terminal (e.g. under test or when redirected).
type Terminal struct {
	In     *os.File
	Prompt string
}

// NewTerminal builds a Terminal source reading from os.Stdin.
func NewTerminal() Terminal {
	return Terminal{In: os.Stdin, Prompt: "Enter pairing PIN: "}
}

// PIN prompts on the controlling terminal and reads one line.
func (t Terminal) PIN() (string, error) {
	fd := int(t.In.Fd())
	fmt.Fprint(os.Stderr, t.Prompt)
	var line string
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("pin: read from terminal: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		line = string(raw)
	} else {
		read, err := readLine(t.In)
		if err != nil {
			return "", fmt.Errorf("pin: read: %w", err)
		}
		line = read
	}
	line = strings.TrimSpace(line)
	if !pinPattern.MatchString(line) {
		return "", fmt.Errorf("pin: entered value is not a 4-8 digit decimal PIN")
	}
	return line, nil
}

func readLine(r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return line, nil
}
