package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/manchtools/power-manage/ucs-apps/internal/credentials"
	"github.com/manchtools/power-manage/ucs-apps/internal/secret"
	"github.com/manchtools/power-manage/ucs-apps/internal/validate"
)

func newLoginCmd(c *cli) *cobra.Command {
	var username, passwordFile string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the account used for univention-app actions",
		Long: `Store the account used for univention-app actions, encrypted with a key
derived from this machine's id. 'ucs-apps apply' uses it when no other
password source is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.Var("username", username, "required"); err != nil {
				return err
			}

			pw, err := c.readLoginPassword(cmd, passwordFile)
			if err != nil {
				return err
			}
			defer pw.Close()

			credStore := credentials.NewStore(c.cfg.DataDir)
			if err := credStore.Save(username, pw); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}

			c.logger.Info("credentials stored",
				"username", username,
				"data_dir", credStore.DataDir(),
				"locked", pw.Locked(),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account univention-app actions run as")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the password from this file, - for stdin; prompts when unset")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			credStore := credentials.NewStore(c.cfg.DataDir)
			if err := credStore.Delete(); err != nil {
				return fmt.Errorf("delete credentials: %w", err)
			}
			c.logger.Info("credentials deleted", "data_dir", credStore.DataDir())
			return nil
		},
	}
}

// readLoginPassword reads the password from passwordFile or, on a terminal,
// prompts for it twice.
func (c *cli) readLoginPassword(cmd *cobra.Command, passwordFile string) (*secret.Buffer, error) {
	switch passwordFile {
	case "-":
		return secret.Read(c.stdin)
	case "":
	default:
		f, err := os.Open(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("open password file: %w", err)
		}
		defer f.Close()
		return secret.Read(f)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal to prompt for the password; use --password-file")
	}

	prompt := cmd.ErrOrStderr()
	fmt.Fprint(prompt, "Password: ")
	pw1, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	defer secret.Zero(pw1)

	fmt.Fprint(prompt, "Confirm password: ")
	pw2, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	defer secret.Zero(pw2)

	if len(pw1) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	if string(pw1) != string(pw2) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return secret.NewFromBytes(pw1)
}
