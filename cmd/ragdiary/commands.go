package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ragdiary/internal/api"
	"github.com/kalambet/ragdiary/internal/config"
	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process [file]",
	Short: "Resolve diary declarations in a message list",
	Long: `Resolve diary declarations in a message list and print the result.

The input is a JSON array of chat messages, or an object with a "messages"
field. It is read from the file argument, or from stdin when the argument is
missing or "-".

Examples:
  ragdiary process conversation.json
  echo '[{"role":"system","content":"[[小明日记本]]"},{"role":"user","content":"最近怎么样"}]' | ragdiary process`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening input: %w", err)
			}
			defer f.Close()
			in = f
		}
		body, err := readMessages(in)
		if err != nil {
			return err
		}

		client, err := connect()
		if err != nil {
			return err
		}
		var result struct {
			Messages json.RawMessage `json:"messages"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/process", body, &result); err != nil {
			return err
		}
		return printJSON(result.Messages)
	},
}

// readMessages accepts either a bare message array or {"messages": [...]}.
func readMessages(r io.Reader) (map[string]json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("input is empty")
	}
	if data[0] == '[' {
		if !json.Valid(data) {
			return nil, fmt.Errorf("input is not valid JSON")
		}
		return map[string]json.RawMessage{"messages": data}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	msgs, ok := obj["messages"]
	if !ok {
		return nil, fmt.Errorf(`input object has no "messages" field`)
	}
	return map[string]json.RawMessage{"messages": msgs}, nil
}

// --- groups ---

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage semantic groups",
}

var groupsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the semantic group collection as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var doc semgroup.Document
		if err := client.call(cmd.Context(), http.MethodGet, "/semantic-groups", nil, &doc); err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var groupsSetCmd = &cobra.Command{
	Use:   "set <file>",
	Short: "Replace the semantic group collection from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading groups file: %w", err)
		}
		var doc semgroup.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing groups file: %w", err)
		}

		client, err := connect()
		if err != nil {
			return err
		}
		var result struct {
			Groups int `json:"groups"`
		}
		if err := client.call(cmd.Context(), http.MethodPut, "/semantic-groups", doc, &result); err != nil {
			return err
		}
		printSuccess("Updated %d semantic groups", result.Groups)
		return nil
	},
}

var groupsPrecomputeCmd = &cobra.Command{
	Use:   "precompute",
	Short: "Recompute vectors of groups whose words changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var result struct {
			Changed bool `json:"changed"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/semantic-groups/precompute", nil, &result); err != nil {
			return err
		}
		if result.Changed {
			printSuccess("Group vectors updated")
		} else {
			printSuccess("Group vectors already up to date")
		}
		return nil
	},
}

var groupsActivateCmd = &cobra.Command{
	Use:   "activate <text>",
	Short: "Show which semantic groups a text activates",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var activated map[string]semgroup.Activation
		req := api.TextRequest{Text: strings.Join(args, " ")}
		if err := client.call(cmd.Context(), http.MethodPost, "/semantic-groups/activate", req, &activated); err != nil {
			return err
		}
		printActivations(activated)
		return nil
	},
}

func init() {
	groupsCmd.AddCommand(groupsShowCmd)
	groupsCmd.AddCommand(groupsSetCmd)
	groupsCmd.AddCommand(groupsPrecomputeCmd)
	groupsCmd.AddCommand(groupsActivateCmd)
}

// --- diary ---

var diaryCmd = &cobra.Command{
	Use:   "diary",
	Short: "List, read and write diaries",
}

var diaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List diaries with file and chunk counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var infos []api.DiaryInfo
		if err := client.call(cmd.Context(), http.MethodGet, "/diaries", nil, &infos); err != nil {
			return err
		}
		printDiaries(infos)
		return nil
	},
}

var diaryReadCmd = &cobra.Command{
	Use:   "read <name>",
	Short: "Print the full content of a diary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var result struct {
			Content string `json:"content"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, diaryPath(args[0]), nil, &result); err != nil {
			return err
		}
		fmt.Fprintln(stdout, result.Content)
		return nil
	},
}

var diaryWriteCmd = &cobra.Command{
	Use:   "write <name>",
	Short: "Write a diary entry",
	Long: `Write a diary entry and queue the diary for indexing.

Examples:
  ragdiary diary write 小明 --text "今天去了公园。"
  ragdiary diary write 小明 --file ./notes.md --date 2024-03-12
  ragdiary diary write 小明 --file ./report.pdf --author 小红`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		date, _ := cmd.Flags().GetString("date")
		author, _ := cmd.Flags().GetString("author")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if err := diary.ValidateName(args[0]); err != nil {
			return err
		}
		content := text
		if file != "" {
			var err error
			content, err = diary.ReadSource(file)
			if err != nil {
				return err
			}
		}
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("entry content is empty")
		}

		client, err := connect()
		if err != nil {
			return err
		}
		entry := api.WriteEntryRequest{Author: author, Date: date, Content: content}
		var result map[string]string
		if err := client.call(cmd.Context(), http.MethodPost, diaryPath(args[0], "entries"), entry, &result); err != nil {
			return err
		}
		printSuccess("Wrote %s/%s", result["diary"], result["file"])
		if id := result["job_id"]; id != "" {
			printStep("Queued indexing job %s", id)
		}
		return nil
	},
}

var diaryReindexCmd = &cobra.Command{
	Use:   "reindex <name>",
	Short: "Queue a diary for re-indexing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var result map[string]string
		if err := client.call(cmd.Context(), http.MethodPost, diaryPath(args[0], "reindex"), nil, &result); err != nil {
			return err
		}
		printSuccess("Queued indexing job %s", result["job_id"])
		return nil
	},
}

func init() {
	diaryWriteCmd.Flags().String("text", "", "entry text")
	diaryWriteCmd.Flags().String("file", "", "read the entry from a text, markdown or PDF file")
	diaryWriteCmd.Flags().String("date", "", "entry date, e.g. 2024-03-12 (default: today in Beijing time)")
	diaryWriteCmd.Flags().String("author", "", "signing name (default: the diary name)")

	diaryCmd.AddCommand(diaryListCmd)
	diaryCmd.AddCommand(diaryReadCmd)
	diaryCmd.AddCommand(diaryWriteCmd)
	diaryCmd.AddCommand(diaryReindexCmd)
}

// --- timeparse ---

var timeparseCmd = &cobra.Command{
	Use:   "timeparse <text>",
	Short: "Show the date ranges a text refers to",
	Long: `Show the date ranges a Chinese time expression refers to. Runs locally;
no server is needed.

Examples:
  ragdiary timeparse "上周三和3天前发生了什么"
  ragdiary timeparse --now 2024-03-13T12:00:00+08:00 "上个月末"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nowStr, _ := cmd.Flags().GetString("now")
		now := time.Now()
		if nowStr != "" {
			t, err := time.Parse(time.RFC3339, nowStr)
			if err != nil {
				return fmt.Errorf("invalid --now: %w", err)
			}
			now = t
		}
		printRanges(timeparse.New(timeparse.Beijing).ParseAt(strings.Join(args, " "), now))
		return nil
	},
}

func init() {
	timeparseCmd.Flags().String("now", "", "reference time in RFC 3339 (default: now)")
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
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", ") + ".\n" +
		"Secrets (embedding.api_key, upstream.api_key) are stored in the platform secret store.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			printSuccess("Stored %s in the secret store", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
