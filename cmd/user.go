package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/auth"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create an account without going through POST /api/register",
	Long: `Create an account directly in the database.

The password is read from the terminal without echo, or from stdin when
--password-stdin is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserCreate,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd)
	userCreateCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")
	password, err := readPassword(fromStdin)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	hash, err := auth.HashPassword(password, cfg.Security.BcryptCost)
	if err != nil {
		return err
	}

	user, err := store.CreateUser(ctx, strings.TrimSpace(args[0]), hash)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	color.Green("Created user %q (id %d)", user.Username, user.ID)
	return nil
}

func readPassword(fromStdin bool) (string, error) {
	if fromStdin || !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return nonEmpty(strings.TrimRight(line, "\r\n"))
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return nonEmpty(string(first))
}

func nonEmpty(password string) (string, error) {
	if password == "" {
		return "", auth.ErrMissingCredentials
	}
	return password, nil
}
