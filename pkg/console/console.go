// Package console is the interactive terminal front end of a ceremony.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/VirgilSecurity/trust-provisioner/pkg/ceremony"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// Prompter reads operator answers line by line and writes prompts, tables
// and messages to its output.
type Prompter struct {
	in     *bufio.Reader
	fd     int
	tty    bool
	out    io.Writer
	errOut io.Writer
}

var _ ceremony.Prompter = (*Prompter)(nil)

// New returns a prompter over in and out. Hidden input is used for secrets
// when in is a terminal.
func New(in io.Reader, out, errOut io.Writer) *Prompter {
	p := &Prompter{
		in:     bufio.NewReader(in),
		fd:     -1,
		out:    out,
		errOut: errOut,
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.tty = true
	}
	return p
}

// Stdio returns a prompter over the process streams.
func Stdio() *Prompter {
	return New(os.Stdin, os.Stdout, os.Stderr)
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Choose prints a numbered list and returns the index of the picked option.
func (p *Prompter) Choose(prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("nothing to choose from")
	}
	fmt.Fprintln(p.out, prompt)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, opt)
	}
	for {
		fmt.Fprintf(p.out, "Enter option number [1-%d]: ", len(options))
		answer, err := p.readLine()
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.Error("Invalid option %q", answer)
	}
}

// Confirm asks a yes/no question until it gets one of the two.
func (p *Prompter) Confirm(prompt string) (bool, error) {
	for {
		fmt.Fprintf(p.out, "%s [y/n]: ", prompt)
		answer, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		p.Error("Please answer y or n")
	}
}

// Input reads a free-form answer. A failing check re-asks; an empty answer
// to a required prompt cancels the operation.
func (p *Prompter) Input(prompt string, check func(string) error, allowEmpty bool) (string, error) {
	for {
		fmt.Fprint(p.out, prompt)
		answer, err := p.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			if allowEmpty {
				return "", nil
			}
			return "", ceremony.ErrCancelled
		}
		if check != nil {
			if err := check(answer); err != nil {
				p.Error("%v", err)
				continue
			}
		}
		return answer, nil
	}
}

// Date reads a YYYY-MM-DD date. An empty answer to an optional date is 0.
func (p *Prompter) Date(prompt string, required bool) (uint32, error) {
	var ts uint32
	_, err := p.Input(prompt+" (YYYY-MM-DD): ", func(s string) error {
		var err error
		ts, err = keys.ParseDate(s)
		return err
	}, !required)
	return ts, err
}

// Secret reads a value without echo when attached to a terminal.
func (p *Prompter) Secret(prompt string) ([]byte, error) {
	fmt.Fprint(p.out, prompt)
	if !p.tty {
		line, err := p.readLine()
		return []byte(line), err
	}
	secret, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return secret, nil
}

func (p *Prompter) Print(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *Prompter) Warn(format string, args ...any) {
	fmt.Fprintf(p.errOut, "[WARNING]: "+format+"\n", args...)
}

func (p *Prompter) Error(format string, args ...any) {
	fmt.Fprintf(p.errOut, "[ERROR]: "+format+"\n", args...)
}

// Table renders rows under header.
func (p *Prompter) Table(title string, header []string, rows [][]string) {
	if title != "" {
		fmt.Fprintln(p.out, title)
	}
	tw := tablewriter.NewWriter(p.out)
	tw.SetHeader(header)
	tw.SetAutoWrapText(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.AppendBulk(rows)
	tw.Render()
}
