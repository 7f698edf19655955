package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var (
	ErrEmpty    = errors.New("keystore passphrase cannot be empty")
	ErrMismatch = errors.New("passphrases do not match")
)

// terminal abstracts the controlling terminal so prompts can be tested.
type terminal interface {
	IsTerminal() bool
	ReadPassword() ([]byte, error)
}

type stdinTerminal struct{}

func (stdinTerminal) IsTerminal() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func (stdinTerminal) ReadPassword() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }

// Source resolves a key file passphrase once, from envVar when set and from
// a hidden terminal prompt otherwise.
type Source struct {
	envVar  string
	prompt  string
	confirm bool

	lookupEnv func(string) (string, bool)
	tty       terminal
	out       io.Writer

	once  sync.Once
	value string
	err   error
}

func NewSource(envVar, prompt string) *Source {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = "Key passphrase:"
	}
	return &Source{
		envVar:    strings.TrimSpace(envVar),
		prompt:    prompt,
		lookupEnv: os.LookupEnv,
		tty:       stdinTerminal{},
		out:       os.Stderr,
	}
}

// WithConfirmation makes interactive prompts ask twice. Used when a new key
// file is written.
func (s *Source) WithConfirmation() *Source {
	s.confirm = true
	return s
}

// Get returns the passphrase, resolving it on the first call.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.tty.IsTerminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("passphrase required and no terminal available")
	}
	first, err := s.read(s.prompt)
	if err != nil {
		return "", err
	}
	if !s.confirm {
		return first, nil
	}
	second, err := s.read("Repeat passphrase:")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", ErrMismatch
	}
	return first, nil
}

func (s *Source) read(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt+" ")
	raw, err := s.tty.ReadPassword()
	fmt.Fprintln(s.out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", ErrEmpty
	}
	return string(raw), nil
}
