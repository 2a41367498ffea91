// Command tenantdesk follows an organization's activity feed from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/memohai/tenantdesk/internal/config"
	"github.com/memohai/tenantdesk/internal/gateway"
	"github.com/memohai/tenantdesk/internal/logger"
	"github.com/memohai/tenantdesk/internal/session"
	"github.com/memohai/tenantdesk/internal/version"
)

type rootOptions struct {
	configPath string
	apiURL     string
	username   string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	defaultConfig := os.Getenv("CONFIG_PATH")
	if strings.TrimSpace(defaultConfig) == "" {
		defaultConfig = config.DefaultConfigPath
	}

	root := &cobra.Command{
		Use:           "tenantdesk",
		Short:         "Follow organization activity in real time",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "Path to config.toml")
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "Resource API base URL (overrides api.base_url)")
	root.PersistentFlags().StringVarP(&opts.username, "username", "u", os.Getenv("TENANTDESK_USERNAME"), "Username for login")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(loginCmd(opts))
	root.AddCommand(feedCmd(opts))
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "tenantdesk %s\n", info)
			if info.BuildTime != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s with %s\n", info.BuildTime, info.GoVersion)
			}
		},
	}
}

func loginCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check credentials against the Resource API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, log, err := opts.manager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			user, err := opts.login(cmd.Context(), mgr, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", user.Username, user.ID)
			if err := mgr.Logout(cmd.Context()); err != nil {
				log.Debug("logout after check failed", slog.Any("error", err))
			}
			return nil
		},
	}
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(o.apiURL) != "" {
		cfg.API.BaseURL = o.apiURL
		cfg.Realtime.URL = ""
	}
	if strings.TrimSpace(o.logLevel) != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// manager builds the session manager. Logs go to stderr so the feed owns stdout.
func (o *rootOptions) manager() (*session.Manager, *slog.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	logger.InitWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	mgr, err := session.New(logger.L, cfg)
	if err != nil {
		return nil, nil, err
	}
	return mgr, logger.L, nil
}

func (o *rootOptions) login(ctx context.Context, mgr *session.Manager, in io.Reader, prompt io.Writer) (gateway.User, error) {
	username := strings.TrimSpace(o.username)
	if username == "" {
		return gateway.User{}, errors.New("username is required; pass --username or set TENANTDESK_USERNAME")
	}
	password, err := readPassword(in, prompt)
	if err != nil {
		return gateway.User{}, err
	}
	return mgr.Login(ctx, username, password)
}

// readPassword takes TENANTDESK_PASSWORD, then a hidden terminal prompt, then the first line of in.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if v := os.Getenv("TENANTDESK_PASSWORD"); v != "" {
		return v, nil
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required; set TENANTDESK_PASSWORD or pipe it on stdin")
	}
	return line, nil
}
