package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/security"
)

// prompter asks the operator for missing values. Passwords are read without
// echo when the input is a terminal.
type prompter struct {
	in           *bufio.Reader
	out          io.Writer
	readPassword func() (string, error)
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		p.readPassword = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			return string(b), err
		}
	}
	return p
}

func (p *prompter) line() (string, error) {
	s, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", promptStyle.Render(label))
	return p.line()
}

func (p *prompter) askPassword(label string) (string, error) {
	if p.readPassword == nil {
		return p.ask(label)
	}
	fmt.Fprintf(p.out, "%s: ", promptStyle.Render(label))
	return p.readPassword()
}

// confirm asks a y/n question defaulting to no.
func (p *prompter) confirm(label string) (bool, error) {
	for {
		answer, err := p.ask(label + " [y/n] (n)")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y":
			return true, nil
		case "n", "":
			return false, nil
		}
		fmt.Fprintln(p.out, "Please select one of the available options")
	}
}

// intentFlags are the intent values given on the command line; empty means
// not given.
type intentFlags struct {
	Username string
	Password string
	PartSize string
}

// collectIntent fills the intent from flags, prompting for whatever is
// missing or invalid. compatible is the partition probe result: without
// compatible partitions a size is required.
func collectIntent(p *prompter, v *security.Validator, flags intentFlags, compatible bool) (security.Intent, error) {
	var intent security.Intent

	intent.Username = flags.Username
	if intent.Username != "" {
		if err := v.ValidateUsername(intent.Username); err != nil {
			return intent, exitWith(ExitUsage, err)
		}
	}
	for intent.Username == "" {
		name, err := p.ask("Username for linux")
		if err != nil {
			return intent, noInput(err)
		}
		if err := v.ValidateUsername(name); err != nil {
			printWarn(p.out, "Incorrect username specified. Please set correct one")
			continue
		}
		intent.Username = name
	}

	intent.Password = flags.Password
	if intent.Password != "" {
		if err := v.ValidatePassword(intent.Password); err != nil {
			return intent, exitWith(ExitUsage, err)
		}
	}
	for intent.Password == "" {
		pass, err := p.askPassword("Password for " + intent.Username)
		if err != nil {
			return intent, noInput(err)
		}
		if err := v.ValidatePassword(pass); err != nil {
			printWarn(p.out, "Incorrect password specified. Please set correct one")
			continue
		}
		intent.Password = pass
	}

	raw := flags.PartSize
	if raw == "" && compatible {
		return intent, nil
	}
	for {
		if raw != "" {
			percent, err := v.ParsePartitionSize(raw)
			if err == nil {
				intent.PartitionPercent = percent
				return intent, nil
			}
			printWarn(p.out, "Incorrect linux partition size. It can be [20; 90]%%")
		}
		answer, err := p.ask("Size of linux partition (leave empty to skip if possible)")
		if err != nil {
			if !compatible {
				return intent, errors.ErrRepartitionNeeded
			}
			return intent, noInput(err)
		}
		raw = strings.TrimSpace(answer)
		if raw == "" {
			if compatible {
				return intent, nil
			}
			printWarn(p.out, "Incompatible partition table detected. Linux partition size is required")
		}
	}
}

func noInput(err error) error {
	return fmt.Errorf("%w: no input: %v", errors.ErrCancelled, err)
}

// summary lists the confirmed intent. The password is masked.
func summary(intent security.Intent, serial string) []string {
	size := "Not changed"
	if intent.Repartition() {
		size = fmt.Sprintf("%d%%", intent.PartitionPercent)
	}
	return []string{
		"Username: " + intent.Username,
		"Password: " + strings.Repeat("*", len(intent.Password)),
		"Partition size: " + size,
		"Device: " + serial,
	}
}
