package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"io"
	"os"
	"strings"
)

const maxPasswordAttempts = 3

var (
	errEmptyPassword    = errors.New("password cannot be empty")
	errPasswordMismatch = errors.New("passwords do not match")
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a control panel password",
	Long: "Prompts for a password and prints its argon2id hash, which can be " +
		"used as SB_API_PASSWORD instead of the plain text password.\n\n" +
		"When stdin isn't a terminal, the password is read from the first " +
		"line of stdin without confirmation.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		errOut := cmd.ErrOrStderr()

		var password string
		var err error
		if customPasswordReader == nil && !term.IsTerminal(int(os.Stdin.Fd())) {
			password, err = readPasswordLine(cmd.InOrStdin())
		} else {
			password, err = promptPassword(errOut, passwordReaderFunc())
		}
		if err != nil {
			return err
		}

		hashed, err := spamubot.HashPassword(password)
		if err != nil {
			return fmt.Errorf("error hashing password: %w", err)
		}
		fmt.Fprintln(out, hashed)
		return nil
	},
}

func passwordReaderFunc() passwordReader {
	if customPasswordReader != nil {
		return customPasswordReader
	}
	return func() ([]byte, error) {
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
}

// promptPassword asks for a password and its confirmation, retrying
// a few times on a mismatch
func promptPassword(out io.Writer, read passwordReader) (string, error) {
	for i := 0; i < maxPasswordAttempts; i++ {
		fmt.Fprint(out, "Enter password: ")
		passwordBytes, err := read()
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm password: ")
		confirmBytes, err := read()
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("error reading password: %w", err)
		}

		password := string(passwordBytes)
		switch {
		case password == "":
			fmt.Fprintln(out, "Password cannot be empty. Please try again.")
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return password, nil
		}
	}
	return "", errPasswordMismatch
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errEmptyPassword
	}
	return password, nil
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
