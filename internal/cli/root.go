// Package cli implements the maql command-line client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"maqlexpress/api/internal/client"
)

var (
	configPath string
	apiURLFlag string
	pidFlag    string

	resolvedConfigPath string
	settings           client.Settings
)

var rootCmd = &cobra.Command{
	Use:   "maql",
	Short: "MAQL Express - compose metrics from your variable catalog",
	Long: `maql talks to a MAQL Express API. It manages PIDs and their variable
catalog, pulls metadata from GoodData and opens a terminal editor where
variables are inserted as tokens and copied or published as MAQL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			var err error
			if path, err = client.DefaultSettingsPath(); err != nil {
				return err
			}
		}
		loaded, err := client.LoadSettings(path)
		if err != nil {
			return err
		}
		if apiURLFlag != "" {
			loaded.APIURL = apiURLFlag
		}
		resolvedConfigPath = path
		settings = loaded
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the settings file (default ~/.config/maql/config.yaml or $MAQL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api", "", "API base URL")
}

// newClient builds a client whose rotated tokens are written back to the
// settings file.
func newClient() *client.Client {
	c := client.New(settings.APIURL, settings)
	c.OnTokens = func(access, refresh string) {
		settings.AccessToken, settings.RefreshToken = access, refresh
		_ = client.SaveSettings(resolvedConfigPath, settings)
	}
	return c
}

func saveSettings() error {
	return client.SaveSettings(resolvedConfigPath, settings)
}

// resolvePID picks the PID from --pid, falling back to the last one used.
func resolvePID(ctx context.Context, c *client.Client) (client.PID, error) {
	ref := strings.TrimSpace(pidFlag)
	if ref == "" {
		ref = settings.LastPID
	}
	if ref == "" {
		return client.PID{}, errors.New("no PID selected\n\nUse --pid <name> or run 'maql pids use <name>'")
	}
	pid, err := c.FindPID(ctx, ref)
	if err != nil {
		return client.PID{}, err
	}
	if settings.LastPID != pid.ID {
		settings.LastPID = pid.ID
		_ = saveSettings()
	}
	return pid, nil
}

// explain turns session errors into something actionable.
func explain(err error) error {
	if errors.Is(err, client.ErrNotLoggedIn) {
		return errors.New("not logged in\n\nRun 'maql login' first")
	}
	return err
}

func readLine(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
