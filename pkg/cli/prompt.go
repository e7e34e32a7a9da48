// Package cli provides interactive terminal prompt helpers for setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers line by line from In.
// At EOF every question resolves to its default.
type Prompter struct {
	In     io.Reader
	Out    io.Writer
	reader *bufio.Reader
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	line, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Section prints a heading that groups the following questions.
func (p *Prompter) Section(title string) {
	p.printf("\n%s\n", title)
}

// Ask prints a question with a default value and reads one line.
func (p *Prompter) Ask(question, defaultVal string) string {
	return p.AskValid(question, defaultVal, nil)
}

// AskValid is Ask with a validator. Invalid answers are reported and the
// question repeated; the default is returned unvalidated.
func (p *Prompter) AskValid(question, defaultVal string, validate func(string) error) string {
	for {
		if defaultVal != "" {
			p.printf("%s [%s]: ", question, defaultVal)
		} else {
			p.printf("%s: ", question)
		}
		line := p.readLine()
		if line == "" {
			return defaultVal
		}
		if validate == nil {
			return line
		}
		if err := validate(line); err != nil {
			p.printf("  %v\n", err)
			continue
		}
		return line
	}
}

// AskSecret reads a line without echo when In is a terminal.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	ans := p.AskValid(question, strconv.Itoa(defaultVal), func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n <= 0 {
			return fmt.Errorf("please enter a positive number")
		}
		return nil
	})
	n, _ := strconv.Atoi(ans)
	return n
}

// AskDuration asks for a Go duration ("30s", "5m") within [min, max].
func (p *Prompter) AskDuration(question string, defaultVal, min, max time.Duration) time.Duration {
	ans := p.AskValid(question, defaultVal.String(), func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("please enter a duration like 30s or 5m")
		}
		if d < min || d > max {
			return fmt.Errorf("must be between %s and %s", min, max)
		}
		return nil
	})
	d, err := time.ParseDuration(ans)
	if err != nil {
		return defaultVal
	}
	return d
}

// Choose presents a numbered list of options and returns the selected value.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	ans := p.AskValid("Choice", strconv.Itoa(defaultIdx+1), func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("please enter a number between 1 and %d", len(options))
		}
		return nil
	})
	n, _ := strconv.Atoi(ans)
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
