package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type profile struct {
	BaseURL string      `yaml:"baseUrl"`
	Token   string      `yaml:"token"`
	Admin   bool        `yaml:"admin"`
	Login   loginConfig `yaml:"login"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

// loginConfig describes a password grant against the identity provider that issues the
// JWTs the server validates through its JWKS endpoint.
type loginConfig struct {
	URLTemplate  string            `yaml:"urlTemplate"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	BodyTemplate string            `yaml:"bodyTemplate"`
	ContentType  string            `yaml:"contentType"`
	TokenPath    string            `yaml:"tokenPath"`
}

func initCmd(g *globals, ui *ui) *cobra.Command {
	var (
		baseURL  string
		token    string
		admin    bool
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(g.profile, cfg)
			prof := cfg.Profiles[active]

			baseURL = firstNonEmpty(baseURL, prof.BaseURL, "http://localhost:8080")
			if !noPrompt {
				reader := bufio.NewReader(os.Stdin)
				baseURL = prompt(reader, "Base URL", baseURL)
				if token == "" {
					t, err := promptSecret("Token (optional)")
					if err != nil {
						return err
					}
					token = t
				}
			}

			prof.BaseURL = strings.TrimSpace(baseURL)
			if token != "" {
				prof.Token = strings.TrimSpace(token)
			}
			if cmd.Flags().Changed("admin") {
				prof.Admin = admin
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || cmd.Flags().Changed("profile") {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL for the inspector API")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().BoolVar(&admin, "admin", false, "Set admin for profile")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func authCmd(g *globals, ui *ui) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
	}

	var (
		token string
		admin bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a token in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" && !cmd.Flags().Changed("admin") {
				return errors.New("provide --token (or --admin)")
			}
			return updateProfile(g, func(p *profile) {
				if token != "" {
					p.Token = strings.TrimSpace(token)
				}
				if cmd.Flags().Changed("admin") {
					p.Admin = admin
				}
			}, ui, "Credentials updated")
		},
	}
	set.Flags().StringVar(&token, "token", "", "Bearer token")
	set.Flags().BoolVar(&admin, "admin", false, "Set admin for profile")

	var (
		email     string
		password  string
		loginURL  string
		payload   string
		tokenPath string
		headerKVs []string
		noPrompt  bool
	)
	login := &cobra.Command{
		Use:   "login",
		Short: "Login with the identity provider and store the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(email)
			if email == "" && !noPrompt {
				email = prompt(bufio.NewReader(os.Stdin), "Email", "")
			}
			if password == "" && !noPrompt {
				p, err := promptSecret("Password")
				if err != nil {
					return err
				}
				password = p
			}
			if email == "" || password == "" {
				return errors.New("email and password are required")
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			loginCfg := cfg.Profiles[resolveProfileName(g.profile, cfg)].Login
			if loginURL != "" {
				loginCfg.URLTemplate = loginURL
			}
			if payload != "" {
				loginCfg.BodyTemplate = payload
			}
			if tokenPath != "" {
				loginCfg.TokenPath = tokenPath
			}
			for _, kv := range headerKVs {
				k, v, ok := strings.Cut(kv, ":")
				if !ok {
					return fmt.Errorf("invalid header: %s (expected Key: Value)", kv)
				}
				if loginCfg.Headers == nil {
					loginCfg.Headers = map[string]string{}
				}
				loginCfg.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			if strings.TrimSpace(loginCfg.URLTemplate) == "" {
				return errors.New("login url is required (--login-url)")
			}

			tok, err := login(loginCfg, email, password)
			if err != nil {
				return err
			}
			return updateProfile(g, func(p *profile) {
				p.Token = tok
				p.Login = loginCfg
			}, ui, "Logged in. Token stored")
		},
	}
	login.Flags().StringVar(&email, "email", "", "Email for login")
	login.Flags().StringVar(&password, "password", "", "Password for login")
	login.Flags().StringVar(&loginURL, "login-url", "", "Login URL (template allowed)")
	login.Flags().StringVar(&payload, "payload", "", "Login payload (template allowed)")
	login.Flags().StringVar(&tokenPath, "token-path", "", "JSON token path (default idToken)")
	login.Flags().StringArrayVar(&headerKVs, "header", nil, "Extra headers (Key: Value)")
	login.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show stored credentials (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(g.profile, cfg)
			prof := cfg.Profiles[active]
			fmt.Printf("%s Profile: %s\n", ui.title("inspector"), active)
			fmt.Printf("%s Base URL:  %s\n", ui.info("•"), emptyOr(prof.BaseURL, "<unset>"))
			fmt.Printf("%s Login URL: %s\n", ui.info("•"), emptyOr(prof.Login.URLTemplate, "<unset>"))
			fmt.Printf("%s Token:     %s\n", ui.info("•"), maskToken(prof.Token))
			fmt.Printf("%s Admin:     %v\n", ui.info("•"), prof.Admin)
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Clear the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateProfile(g, func(p *profile) { p.Token = "" }, ui, "Token cleared")
		},
	}

	auth.AddCommand(login, set, show, clear)
	return auth
}

func updateProfile(g *globals, mutate func(p *profile), ui *ui, msg string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	active := resolveProfileName(g.profile, cfg)
	prof := cfg.Profiles[active]
	mutate(&prof)
	cfg.Profiles[active] = prof
	if cfg.CurrentProfile == "" {
		cfg.CurrentProfile = active
	}
	if err := saveConfig(cfg, cfgPath); err != nil {
		return err
	}
	fmt.Printf("%s %s for '%s'\n", ui.ok("[OK]"), msg, active)
	return nil
}

func login(cfg loginConfig, email, password string) (string, error) {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = "idToken"
	}
	if cfg.BodyTemplate == "" {
		cfg.BodyTemplate = `{"email":"{{email}}","password":"{{password}}","returnSecureToken":true}`
	}
	vars := map[string]string{"email": email, "password": password}
	loginURL, err := renderTemplate(cfg.URLTemplate, vars)
	if err != nil {
		return "", err
	}
	body, err := renderTemplate(cfg.BodyTemplate, vars)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(cfg.Method, loginURL, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", cfg.ContentType)
	for k, v := range cfg.Headers {
		if strings.TrimSpace(k) != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed (%d): %s", resp.StatusCode, string(raw))
	}
	return extractToken(raw, cfg.TokenPath)
}

func renderTemplate(tpl string, vars map[string]string) (string, error) {
	if strings.TrimSpace(tpl) == "" {
		return "", errors.New("template is empty")
	}
	funcs := template.FuncMap{}
	for k, v := range vars {
		val := v
		funcs[k] = func() string { return val }
	}
	t, err := template.New("tpl").Funcs(funcs).Option("missingkey=error").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractToken(body []byte, path string) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("invalid JSON response")
	}
	curr := v
	for _, p := range strings.Split(path, ".") {
		if p == "" {
			continue
		}
		m, ok := curr.(map[string]any)
		if !ok {
			return "", fmt.Errorf("token path not found")
		}
		if curr, ok = m[p]; !ok {
			return "", fmt.Errorf("token path not found")
		}
	}
	if s, ok := curr.(string); ok && strings.TrimSpace(s) != "" {
		return s, nil
	}
	return "", fmt.Errorf("token not found at path")
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("INSPECTOR_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".inspector", "config.yaml")
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	cfg := cliConfig{Profiles: map[string]profile{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if v := strings.TrimSpace(os.Getenv("INSPECTOR_PROFILE")); v != "" {
		return v
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	var (
		b   []byte
		err error
	)
	if term.IsTerminal(fd) {
		b, err = term.ReadPassword(fd)
	} else {
		var line string
		line, err = bufio.NewReader(os.Stdin).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		b = []byte(line)
	}
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
