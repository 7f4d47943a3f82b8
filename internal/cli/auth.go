package cli

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"maqlexpress/api/internal/client"
)

var (
	authEmail     string
	authPassword  string
	authFirstName string
	authLastName  string
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and log in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if authFirstName == "" || authLastName == "" {
			return errors.New("--first-name and --last-name are required")
		}
		email, password, err := credentials(cmd)
		if err != nil {
			return err
		}
		c := newClient()
		err = c.SignUp(cmd.Context(), client.SignUpRequest{
			Email:     email,
			Password:  password,
			FirstName: authFirstName,
			LastName:  authLastName,
		})
		if err != nil {
			return err
		}
		return signIn(cmd, c, email, password)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := credentials(cmd)
		if err != nil {
			return err
		}
		return signIn(cmd, newClient(), email, password)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if settings.LoggedIn() {
			// The server may already have expired it; local state is cleared regardless.
			_ = newClient().Logout(cmd.Context())
		}
		settings.AccessToken, settings.RefreshToken = "", ""
		if err := saveSettings(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newClient().Me(cmd.Context())
		if err != nil {
			return explain(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s <%s>\n", u.FirstName, u.LastName, u.Email)
		return nil
	},
}

func credentials(cmd *cobra.Command) (string, string, error) {
	email, password := authEmail, authPassword
	in := bufio.NewReader(cmd.InOrStdin())
	var err error
	if email == "" {
		if email, err = readLine(in, cmd.ErrOrStderr(), "Email: "); err != nil {
			return "", "", err
		}
	}
	if password == "" {
		if password, err = readLine(in, cmd.ErrOrStderr(), "Password: "); err != nil {
			return "", "", err
		}
	}
	if email == "" || password == "" {
		return "", "", errors.New("email and password are required")
	}
	return email, password, nil
}

func signIn(cmd *cobra.Command, c *client.Client, email, password string) error {
	session, err := c.SignIn(cmd.Context(), email, password)
	if err != nil {
		return err
	}
	settings.Email = session.Email
	settings.AccessToken, settings.RefreshToken = session.AccessToken, session.RefreshToken
	if err := saveSettings(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", session.UserName)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{signupCmd, loginCmd} {
		c.Flags().StringVar(&authEmail, "email", "", "Account email")
		c.Flags().StringVar(&authPassword, "password", "", "Account password (prompted when omitted)")
	}
	signupCmd.Flags().StringVar(&authFirstName, "first-name", "", "First name")
	signupCmd.Flags().StringVar(&authLastName, "last-name", "", "Last name")

	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, whoamiCmd)
}
