package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for the HTTP API using bcrypt",
	Long:  "Reads a password from the terminal (or stdin when piped) and prints a bcrypt hash suitable for the server.http.password_hash config key.",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		if len(password) == 0 {
			return fmt.Errorf("password must not be empty")
		}

		hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return err
	},
}

func readPassword(cmd *cobra.Command) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return password, nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("reading password from stdin: %w", err)
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
