package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

const defaultServer = "http://localhost:8080"

const usage = `burn: send self-destructing messages

usage:
  burn send   [flags] [attachment ...]   encrypt and upload a message
  burn read   [flags] <link>             decrypt a message, then burn it
  burn group  [flags]                    one message, many single-use links
  burn status -creator <token> <link>    check whether a message was read
  burn revoke -creator <token> <link>    burn a message before it is read

Run "burn <command> -h" for command flags.
The server defaults to $BURN_SERVER, then ` + defaultServer + `.
`

// readPassword is a seam for term.ReadPassword.
var readPassword = term.ReadPassword

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	// password prompts for a secret without echo.
	password func(prompt string) (string, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
	}
	a.password = a.terminalPassword

	if err := a.run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.stderr, usage)
		return errUsage
	}

	switch args[0] {
	case "send":
		return a.send(ctx, args[1:])
	case "read":
		return a.read(ctx, args[1:])
	case "group":
		return a.group(ctx, args[1:])
	case "status":
		return a.status(ctx, args[1:])
	case "revoke":
		return a.revoke(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usage)
		return nil
	default:
		fmt.Fprintf(a.stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
}

func (a *app) serverURL() string {
	if s := a.getenv("BURN_SERVER"); s != "" {
		return s
	}
	return defaultServer
}

// terminalPassword reads from BURN_PASSWORD when set, otherwise prompts on
// the controlling terminal.
func (a *app) terminalPassword(prompt string) (string, error) {
	if pw := a.getenv("BURN_PASSWORD"); pw != "" {
		return pw, nil
	}
	if !isTerminal(os.Stdin) {
		return "", errors.New("no terminal for password prompt; set BURN_PASSWORD")
	}

	fmt.Fprint(a.stderr, prompt)
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
