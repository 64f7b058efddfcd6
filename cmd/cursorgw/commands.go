package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/config"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/credpool"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/fingerprint"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/pipeline"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/retry"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway, credential and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, client.rootURL()+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.httpClient.Do(req)
		if err != nil {
			printStatus("Gateway", "stopped")
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			printStatus("Gateway", "error (HTTP %d)", resp.StatusCode)
			return nil
		}
		printStatus("Gateway", "running at %s", client.rootURL())

		var creds struct {
			Total      int `json:"total"`
			Active     int `json:"active"`
			InRotation int `json:"in_rotation"`
		}
		resp, err = client.get(cmd.Context(), "/credentials/status")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &creds); err != nil {
			return err
		}
		printStatus("Credentials", "%d total, %d active, %d in rotation", creds.Total, creds.Active, creds.InRotation)

		var queue struct {
			Active         bool  `json:"active"`
			Length         int   `json:"length"`
			WaitTimeMS     int64 `json:"wait_time_ms"`
			ActiveRequests int   `json:"active_requests"`
			Threshold      int   `json:"threshold"`
		}
		resp, err = client.get(cmd.Context(), "/queue/status")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &queue); err != nil {
			return err
		}
		state := "idle"
		if queue.Active {
			state = fmt.Sprintf("queueing, %d waiting, wait budget %s", queue.Length, time.Duration(queue.WaitTimeMS)*time.Millisecond)
		}
		printStatus("Admission", "%d/%d active, %s", queue.ActiveRequests, queue.Threshold, state)
		return nil
	},
}

// --- cookies ---

var cookiesCmd = &cobra.Command{
	Use:     "cookies",
	Aliases: []string{"credentials"},
	Short:   "Manage upstream session credentials",
}

var cookiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials (values are masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/credentials")
		if err != nil {
			return err
		}
		var creds []storage.Credential
		if err := decodeJSON(resp, &creds); err != nil {
			return err
		}
		if len(creds) == 0 {
			fmt.Fprintln(stdout, "No credentials found.")
			return nil
		}
		rows := make([][]string, len(creds))
		for i, c := range creds {
			rows[i] = []string{c.ID, c.Name, c.Value, yesNo(c.Active), c.Description}
		}
		printTable([]string{"id", "name", "value", "active", "description"}, rows)
		return nil
	},
}

var cookiesAddCmd = &cobra.Command{
	Use:   "add <value>",
	Short: "Add a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		inactive, _ := cmd.Flags().GetBool("inactive")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		active := !inactive
		resp, err := client.post(cmd.Context(), "/credentials", map[string]any{
			"name":        name,
			"value":       args[0],
			"description": description,
			"active":      active,
		})
		if err != nil {
			return err
		}
		var c storage.Credential
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Added credential %s (%s)", c.Name, c.ID)
		return nil
	},
}

var cookiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add every credential listed in a file, one per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := credpool.ReadCookieFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		if len(values) == 0 {
			printWarning("No credentials in %s", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		added, skipped := 0, 0
		for _, v := range values {
			resp, err := client.post(cmd.Context(), "/credentials", map[string]any{
				"value":       v,
				"description": "imported from " + args[0],
			})
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusConflict {
				resp.Body.Close()
				skipped++
				continue
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			added++
		}
		printSuccess("Imported %d credentials (%d already present)", added, skipped)
		return nil
	},
}

func setCredentialActive(active bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/credentials/"+args[0], map[string]any{"active": active})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		if active {
			printSuccess("Enabled credential %s", args[0])
		} else {
			printSuccess("Disabled credential %s", args[0])
		}
		return nil
	}
}

var cookiesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Put a credential back into rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  setCredentialActive(true),
}

var cookiesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Take a credential out of rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  setCredentialActive(false),
}

var cookiesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/credentials/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted credential %s", args[0])
		return nil
	},
}

var cookiesResetCmd = &cobra.Command{
	Use:   "reset-rotation",
	Short: "Restart rotation at the first active credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/credentials/reset-rotation", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Rotation reset")
		return nil
	},
}

func init() {
	cookiesAddCmd.Flags().String("name", "", "display name (default cookie-<id>)")
	cookiesAddCmd.Flags().String("description", "", "free-form description")
	cookiesAddCmd.Flags().Bool("inactive", false, "add without putting it into rotation")
	cookiesCmd.AddCommand(cookiesListCmd, cookiesAddCmd, cookiesImportCmd,
		cookiesEnableCmd, cookiesDisableCmd, cookiesDeleteCmd, cookiesResetCmd)
}

// --- tokens ---

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage caller API tokens",
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List caller tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tokens")
		if err != nil {
			return err
		}
		var tokens []storage.CallerToken
		if err := decodeJSON(resp, &tokens); err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Fprintln(stdout, "No tokens found.")
			return nil
		}
		rows := make([][]string, len(tokens))
		for i, t := range tokens {
			rows[i] = []string{
				t.ID, t.Name, formatExpiry(t.ExpiresAt),
				yesNo(t.RateLimitEnabled), yesNo(t.QueuePriority), yesNo(t.Premium),
				fmt.Sprintf("%d", t.UsageCount),
			}
		}
		printTable([]string{"id", "name", "expires", "rate limit", "priority", "premium", "usage"}, rows)
		return nil
	},
}

var tokensCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a caller token and print its value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetString("expires")
		noLimit, _ := cmd.Flags().GetBool("no-rate-limit")
		priority, _ := cmd.Flags().GetBool("priority")
		premium, _ := cmd.Flags().GetBool("premium")

		req := map[string]any{
			"name":           args[0],
			"rate_limit":     !noLimit,
			"queue_priority": priority,
			"premium":        premium,
		}
		if expires != "" {
			at, err := parseExpiry(expires, time.Now())
			if err != nil {
				return err
			}
			req["expires_at"] = at
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tokens", req)
		if err != nil {
			return err
		}
		var tok storage.CallerToken
		if err := decodeJSON(resp, &tok); err != nil {
			return err
		}
		printSuccess("Created token %s (%s)", tok.Name, tok.ID)
		fmt.Fprintln(stdout, tok.Value)
		return nil
	},
}

var tokensShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a caller token with its usage and recent IPs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tokens/"+args[0])
		if err != nil {
			return err
		}
		var tok any
		if err := decodeJSON(resp, &tok); err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tok)
	},
}

var tokensUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a caller token's name, expiration or flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := tokenUpdateFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		if len(req) == 0 {
			return errors.New("nothing to update")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/tokens/"+args[0], req)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Updated token %s", args[0])
		return nil
	},
}

var tokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a caller token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/tokens/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted token %s", args[0])
		return nil
	},
}

func init() {
	tokensCreateCmd.Flags().String("expires", "", "expiration as a duration (720h) or RFC 3339 time")
	tokensCreateCmd.Flags().Bool("no-rate-limit", false, "exempt the token from rate limiting")
	tokensCreateCmd.Flags().Bool("priority", false, "use the short priority wait in the admission queue")
	tokensCreateCmd.Flags().Bool("premium", false, "retry free-limit replies with another credential")

	addTokenUpdateFlags(tokensUpdateCmd)

	tokensCmd.AddCommand(tokensListCmd, tokensCreateCmd, tokensShowCmd, tokensUpdateCmd, tokensDeleteCmd)
}

func addTokenUpdateFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "new name")
	cmd.Flags().String("expires", "", "new expiration; \"never\" clears it")
	cmd.Flags().Bool("rate-limit", true, "apply rate limiting")
	cmd.Flags().Bool("priority", false, "queue priority")
	cmd.Flags().Bool("premium", false, "premium retries")
}

// tokenUpdateFromFlags builds a PATCH body from the flags the user set.
func tokenUpdateFromFlags(cmd *cobra.Command, now time.Time) (map[string]any, error) {
	req := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("name") {
		v, _ := flags.GetString("name")
		req["name"] = v
	}
	if flags.Changed("expires") {
		v, _ := flags.GetString("expires")
		if v == "never" {
			req["clear_expiration"] = true
		} else {
			at, err := parseExpiry(v, now)
			if err != nil {
				return nil, err
			}
			req["expires_at"] = at
		}
	}
	for flag, field := range map[string]string{
		"rate-limit": "rate_limit_enabled",
		"priority":   "queue_priority",
		"premium":    "premium",
	} {
		if flags.Changed(flag) {
			v, _ := flags.GetBool(flag)
			req[field] = v
		}
	}
	return req, nil
}

// parseExpiry accepts either a duration relative to now or an absolute
// RFC 3339 timestamp.
func parseExpiry(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("expiration %q must be in the future", s)
		}
		return now.Add(d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiration %q: want a duration like 720h or an RFC 3339 time", s)
	}
	return t.UTC(), nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage error rules that trigger a retry with another credential",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List error rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/error-rules")
		if err != nil {
			return err
		}
		var rules []storage.ErrorRule
		if err := decodeJSON(resp, &rules); err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Fprintln(stdout, "No error rules found.")
			return nil
		}
		rows := make([][]string, len(rules))
		for i, r := range rules {
			class := retry.Classify(r)
			if class == "" {
				class = "-"
			}
			rows[i] = []string{r.ID, r.Pattern, class, r.Description}
		}
		printTable([]string{"id", "pattern", "class", "description"}, rows)
		return nil
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add an error rule (case-insensitive regular expression)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		class, _ := cmd.Flags().GetString("class")
		if err := retry.ValidatePattern(args[0]); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/error-rules", ruleSeed{
			Pattern:        args[0],
			Description:    description,
			Classification: class,
		})
		if err != nil {
			return err
		}
		var rule storage.ErrorRule
		if err := decodeJSON(resp, &rule); err != nil {
			return err
		}
		printSuccess("Added error rule %s", rule.ID)
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an error rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/error-rules/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted error rule %s", args[0])
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add error rules from a YAML file",
	Long: `Add error rules from a YAML file of the form:

  rules:
    - pattern: "free requests limit"
      description: Cursor free requests limit message
      classification: free-limit
    - pattern: "unauthorized request"
      classification: unauthorized`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading rules file: %w", err)
		}
		seeds, err := parseRuleFile(data)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		for _, s := range seeds {
			resp, err := client.post(cmd.Context(), "/error-rules", s)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return fmt.Errorf("adding rule %q: %w", s.Pattern, err)
			}
		}
		printSuccess("Imported %d error rules", len(seeds))
		return nil
	},
}

func init() {
	rulesAddCmd.Flags().String("description", "", "what the pattern detects")
	rulesAddCmd.Flags().String("class", "", "free-limit, unauthorized, or empty to always retry")
	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesDeleteCmd, rulesImportCmd)
}

type ruleSeed struct {
	Pattern        string `yaml:"pattern" json:"pattern"`
	Description    string `yaml:"description" json:"description,omitempty"`
	Classification string `yaml:"classification" json:"classification,omitempty"`
}

// parseRuleFile decodes and validates a rules file. Every pattern must
// compile before anything is sent to the gateway.
func parseRuleFile(data []byte) ([]ruleSeed, error) {
	var file struct {
		Rules []ruleSeed `yaml:"rules"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, errors.New("rules file has no rules")
	}
	for i, r := range file.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("rule %d: pattern is required", i+1)
		}
		if err := retry.ValidatePattern(r.Pattern); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		switch r.Classification {
		case "", retry.ClassFreeLimit, retry.ClassUnauthorized:
		default:
			return nil, fmt.Errorf("rule %d: unknown classification %q", i+1, r.Classification)
		}
	}
	return file.Rules, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Secret keys (auth.cookies,\n" +
		"auth.admin_token) are written to the secrets file instead.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if strings.HasPrefix(key, "auth.") {
			if err := config.SetSecret(key, value); err != nil {
				return err
			}
			printSuccess("Stored secret %s", key)
			return nil
		}
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

// --- diagnostics ---

var checksumCmd = &cobra.Command{
	Use:   "checksum <credential>",
	Short: "Print the identity headers derived from a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := args[0]
		printStatus("x-cursor-checksum", "%s", fingerprint.Checksum(value))
		printStatus("x-client-key", "%s", fingerprint.ClientKey(value))
		printStatus("x-session-id", "%s", fingerprint.SessionID(value))
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode a captured upstream body into text",
	Long: `Decode a captured upstream body. By default the file is read as a chat
response stream and its thinking and text are printed. With --request the
file is read as a single request frame and printed as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asRequest, _ := cmd.Flags().GetBool("request")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if asRequest {
			req, err := wire.DecodeRequest(data)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(req)
		}
		return decodeStream(data, stdout)
	},
}

func init() {
	decodeCmd.Flags().Bool("request", false, "decode a request frame instead of a response stream")
}

// decodeStream prints a response body the way the gateway would return it.
func decodeStream(data []byte, w io.Writer) error {
	r := wire.NewReader(bytes.NewReader(data), logger)
	var f pipeline.ThinkingFormatter
	for {
		seg, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprint(w, f.Format(seg))
	}
	fmt.Fprintln(w, f.Finish())
	return nil
}
