package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const stateComplete = "COMPLETE"

func newSpinner(suffix string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	s.Suffix = " " + suffix
	return s
}

func taskCmd(g *globals, ui *ui) *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Task operations",
	}

	var (
		webhook  string
		wait     bool
		timeout  time.Duration
		interval time.Duration
		filename string
	)

	afterCreate := func(c *client, out createdTask) error {
		printCreated(ui, out)
		if !wait || out.State == stateComplete {
			return nil
		}
		if err := waitTasks(c, ui, []string{out.Fingerprint}, timeout, interval); err != nil {
			return err
		}
		return printView(c, ui, out.Fingerprint)
	}

	createURL := &cobra.Command{
		Use:     "url <url>",
		Short:   "Submit a URL for analysis",
		Example: "inspector task url https://example.com/login --webhook https://hooks.example.com/x --wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			body := map[string]any{"url": args[0]}
			if webhook != "" {
				body["webhook"] = webhook
			}
			spin := newSpinner("Submitting url...")
			spin.Start()
			var out createdTask
			err = c.call(http.MethodPost, "/tasks/url", body, &out)
			spin.Stop()
			if err != nil {
				return err
			}
			return afterCreate(c, out)
		},
	}

	createFile := &cobra.Command{
		Use:     "file <path>",
		Short:   "Upload a file for analysis",
		Example: "inspector task file ./sample.exe --wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := firstNonEmpty(filename, filepath.Base(args[0]))
			out, err := c.uploadFile(name, data, webhook, term.IsTerminal(int(os.Stdout.Fd())))
			if err != nil {
				return err
			}
			return afterCreate(c, out)
		},
	}
	createFile.Flags().StringVar(&filename, "filename", "", "Filename sent to the analysers (default base name)")

	createHash := &cobra.Command{
		Use:   "hash <sha256>",
		Short: "Track a file known only by its fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var body any
			if webhook != "" {
				body = map[string]any{"webhook": webhook}
			}
			var out createdTask
			if err := c.call(http.MethodPost, "/tasks/hash/"+url.PathEscape(args[0]), body, &out); err != nil {
				return err
			}
			return afterCreate(c, out)
		},
	}

	for _, cmd := range []*cobra.Command{createURL, createFile, createHash} {
		cmd.Flags().StringVar(&webhook, "webhook", "", "Webhook notified when every analyser completed")
		cmd.Flags().BoolVar(&wait, "wait", false, "Wait for completion and print the scores")
		cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum time to wait")
		cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Status poll interval")
	}

	var byID int64
	get := &cobra.Command{
		Use:   "get [fingerprint]",
		Short: "Show the scores of a task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if byID > 0 {
				return printViewPath(c, ui, "/tasks/id/"+strconv.FormatInt(byID, 10))
			}
			if len(args) == 0 {
				return errors.New("fingerprint or --id is required")
			}
			return printView(c, ui, args[0])
		},
	}
	get.Flags().Int64Var(&byID, "id", 0, "Look the task up by numeric id")

	status := &cobra.Command{
		Use:   "status <fingerprint>",
		Short: "Show the state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out taskSummary
			if err := c.call(http.MethodGet, "/tasks/"+url.PathEscape(args[0])+"/status", nil, &out); err != nil {
				return err
			}
			state := ui.warn(out.State)
			if out.State == stateComplete {
				state = ui.ok(out.State)
			}
			fmt.Printf("%s #%d %s %s (%d results, %d pending)\n",
				ui.title(out.Kind), out.ID, out.Fingerprint, state, out.Results, out.Pending)
			return nil
		},
	}

	var waitTimeout, waitInterval time.Duration
	waitCmd := &cobra.Command{
		Use:   "wait <fingerprint>...",
		Short: "Block until every task is complete",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := waitTasks(c, ui, args, waitTimeout, waitInterval); err != nil {
				return err
			}
			fmt.Printf("%s %d task(s) complete\n", ui.ok("[OK]"), len(args))
			return nil
		},
	}
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Minute, "Maximum time to wait")
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 10*time.Second, "Status poll interval")

	task.AddCommand(createURL, createFile, createHash, get, status, waitCmd)
	return task
}

// waitTasks polls the status of every fingerprint until all are complete. A single task gets
// a spinner, several get a progress bar counting completions.
func waitTasks(c *client, ui *ui, fingerprints []string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	pending := map[string]bool{}
	for _, fp := range fingerprints {
		pending[fp] = true
	}

	var (
		spin *spinner.Spinner
		bar  *progressbar.ProgressBar
	)
	if len(fingerprints) == 1 {
		spin = newSpinner("Waiting for analysers...")
		spin.Start()
		defer spin.Stop()
	} else {
		bar = progressbar.NewOptions(len(fingerprints),
			progressbar.OptionSetDescription("Waiting for tasks"),
			progressbar.OptionSetWidth(24),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	deadline := time.Now().Add(timeout)
	for {
		for fp := range pending {
			var out taskSummary
			if err := c.call(http.MethodGet, "/tasks/"+url.PathEscape(fp)+"/status", nil, &out); err != nil {
				return fmt.Errorf("task %s: %w", fp, err)
			}
			if out.State == stateComplete {
				delete(pending, fp)
				if bar != nil {
					_ = bar.Add(1)
				}
			}
		}
		if len(pending) == 0 {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%d task(s) still pending after %s", len(pending), timeout)
		}
		time.Sleep(interval)
	}
}

func printCreated(ui *ui, out createdTask) {
	fmt.Printf("%s Task %d %s (%s)\n", ui.ok("[OK]"), out.ID, out.Fingerprint, out.State)
	names := make([]string, 0, len(out.Failed))
	for name := range out.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s %s was not dispatched: %s\n", ui.warn("[WARN]"), name, out.Failed[name])
	}
}

func printView(c *client, ui *ui, fingerprint string) error {
	return printViewPath(c, ui, "/tasks/"+url.PathEscape(fingerprint))
}

func printViewPath(c *client, ui *ui, path string) error {
	var view map[string]map[string]any
	if err := c.call(http.MethodGet, path, nil, &view); err != nil {
		return err
	}
	names := make([]string, 0, len(view))
	for name := range view {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, ui.title("SERVICE")+"\t"+ui.title("SCORE")+"\t"+ui.title("DETAILS"))
	for _, name := range names {
		entry := view[name]
		score := ui.dim("-")
		if s, ok := entry["score"].(float64); ok {
			score = formatScore(ui, name, s)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, score, ui.dim(details(entry)))
	}
	return w.Flush()
}

// formatScore colours validator verdicts and analyser scores. Validators report 1 for a
// trusted URL, so a zero is the suspicious value there.
func formatScore(ui *ui, service string, s float64) string {
	text := strconv.FormatFloat(s, 'f', -1, 64)
	if strings.HasSuffix(service, "_validator") {
		if s > 0 {
			return ui.ok(text)
		}
		return ui.warn(text)
	}
	if s > 0 {
		return ui.err(text)
	}
	return ui.ok(text)
}

func details(entry map[string]any) string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "service" && k != "score" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, entry[k]))
	}
	return strings.Join(parts, " ")
}

func vtCmd(g *globals, ui *ui) *cobra.Command {
	vt := &cobra.Command{
		Use:   "vt",
		Short: "Read VirusTotal reports without creating tasks",
	}
	lookup := func(path string) error {
		c, err := g.client()
		if err != nil {
			return err
		}
		var out map[string]any
		if err := c.call(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		if out["result"] == "unknown" {
			fmt.Printf("%s resource unknown to virustotal\n", ui.warn("[WARN]"))
			return nil
		}
		fmt.Printf("%s score=%v %s\n", ui.title("virustotal"), out["score"], ui.dim(details(out)))
		return nil
	}
	hash := &cobra.Command{
		Use:   "hash <hash>",
		Short: "Look up a file report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lookup("/vt/hash/" + url.PathEscape(args[0]))
		},
	}
	u := &cobra.Command{
		Use:   "url <url>",
		Short: "Look up a URL report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lookup("/vt/url/" + args[0])
		},
	}
	vt.AddCommand(hash, u)
	return vt
}

func credentialsCmd(g *globals, ui *ui) *cobra.Command {
	creds := &cobra.Command{
		Use:   "credentials",
		Short: "Analyser credentials",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "List analysers with usable credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out struct {
				Analysers []string `json:"analysers"`
			}
			if err := c.call(http.MethodGet, "/credentials", nil, &out); err != nil {
				return err
			}
			if len(out.Analysers) == 0 {
				fmt.Printf("%s no analyser is configured\n", ui.warn("[WARN]"))
				return nil
			}
			for _, name := range out.Analysers {
				fmt.Printf("%s %s\n", ui.ok("•"), name)
			}
			return nil
		},
	}

	var vtKey, cuckooUser, cuckooPass string
	set := &cobra.Command{
		Use:   "set",
		Short: "Update analyser credentials (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("virustotal-key") {
				body["virustotal_api_key"] = vtKey
			}
			if cmd.Flags().Changed("cuckoo-user") {
				body["cuckoo_username"] = cuckooUser
				if !cmd.Flags().Changed("cuckoo-pass") {
					p, err := promptSecret("Cuckoo password")
					if err != nil {
						return err
					}
					cuckooPass = p
				}
				body["cuckoo_password"] = cuckooPass
			} else if cmd.Flags().Changed("cuckoo-pass") {
				body["cuckoo_password"] = cuckooPass
			}
			if len(body) == 0 {
				return errors.New("provide --virustotal-key and/or --cuckoo-user/--cuckoo-pass")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			var out struct {
				Configured []string `json:"configured"`
			}
			if err := c.call(http.MethodPost, "/credentials", body, &out); err != nil {
				return err
			}
			fmt.Printf("%s Credentials updated. Usable analysers: %s\n", ui.ok("[OK]"), strings.Join(out.Configured, ", "))
			return nil
		},
	}
	set.Flags().StringVar(&vtKey, "virustotal-key", "", "VirusTotal API key")
	set.Flags().StringVar(&cuckooUser, "cuckoo-user", "", "Cuckoo basic auth user")
	set.Flags().StringVar(&cuckooPass, "cuckoo-pass", "", "Cuckoo basic auth password")

	creds.AddCommand(show, set)
	return creds
}

func adminCmd(g *globals, ui *ui) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Scheduler operations (admin)",
	}
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled watch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out struct {
				Running bool     `json:"running"`
				Count   int      `json:"count"`
				Jobs    []string `json:"jobs"`
			}
			if err := c.call(http.MethodGet, "/admin/jobs", nil, &out); err != nil {
				return err
			}
			state := ui.ok("running")
			if !out.Running {
				state = ui.warn("stopped")
			}
			fmt.Printf("%s scheduler %s, %d job(s)\n", ui.title("inspector"), state, out.Count)
			for _, j := range out.Jobs {
				fmt.Printf("  %s\n", j)
			}
			return nil
		},
	}
	watch := &cobra.Command{
		Use:   "watch <fingerprint>",
		Short: "Schedule polling for an incomplete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.call(http.MethodPost, "/admin/tasks/"+url.PathEscape(args[0])+"/watch", nil, &out); err != nil {
				return err
			}
			if out["alreadyWatched"] == true {
				fmt.Printf("%s task already watched\n", ui.info("[INFO]"))
				return nil
			}
			fmt.Printf("%s task watched\n", ui.ok("[OK]"))
			return nil
		},
	}
	admin.AddCommand(jobs, watch)
	return admin
}
