package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// globals are the connection settings shared by every command, resolved from flags, env and
// the active profile in that order.
type globals struct {
	baseURL string
	token   string
	admin   bool
	profile string
}

func (g *globals) client() (*client, error) {
	if strings.TrimSpace(g.token) == "" && !isLocalURL(g.baseURL) {
		return nil, fmt.Errorf("token is required (run `inspector auth login` or `inspector auth set --token`)")
	}
	return newClient(g.baseURL, g.token, g.admin), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, newUI().err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{
		baseURL: getenv("INSPECTOR_BASE_URL", "http://localhost:8080"),
		token:   getenv("INSPECTOR_TOKEN", ""),
		profile: getenv("INSPECTOR_PROFILE", ""),
	}
	g.admin = getenvBool("INSPECTOR_ADMIN", false)
	ui := newUI()

	root := &cobra.Command{
		Use:   "inspector",
		Short: "Inspector CLI",
		Long:  "Inspector CLI for submitting URLs and files for analysis and reading their scores.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&g.baseURL, "base-url", g.baseURL, "Base URL for the inspector API")
	root.PersistentFlags().StringVar(&g.token, "token", g.token, "Bearer token")
	root.PersistentFlags().BoolVar(&g.admin, "admin", g.admin, "Send X-Role: ADMIN (dev only)")
	root.PersistentFlags().StringVar(&g.profile, "profile", g.profile, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(g.profile, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") && os.Getenv("INSPECTOR_BASE_URL") == "" && prof.BaseURL != "" {
			g.baseURL = prof.BaseURL
		}
		if !flags.Changed("token") && os.Getenv("INSPECTOR_TOKEN") == "" && prof.Token != "" {
			g.token = prof.Token
		}
		if !flags.Changed("admin") && os.Getenv("INSPECTOR_ADMIN") == "" && prof.Admin {
			g.admin = true
		}
		if g.profile == "" {
			g.profile = active
		}
		return nil
	}

	root.AddCommand(initCmd(g, ui))
	root.AddCommand(authCmd(g, ui))
	root.AddCommand(taskCmd(g, ui))
	root.AddCommand(vtCmd(g, ui))
	root.AddCommand(credentialsCmd(g, ui))
	root.AddCommand(adminCmd(g, ui))
	return root
}

func helpTemplate(ui *ui) string {
	title := ui.title("inspector")
	return fmt.Sprintf(`%s: CLI for the inspector API

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  inspector init
  inspector auth set --token my-token
  inspector task url https://example.com/login --wait
  inspector task file ./sample.bin --webhook https://hooks.example.com/inspector
  inspector task wait 2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
  inspector admin jobs

`, title, configPath())
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}
