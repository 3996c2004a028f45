package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memoird/memoir/internal/config"
)

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember",
	Short: "Stage content for durable memory",
	Long: `Stage content for durable memory.

Staging returns immediately with an operation ID; building the searchable
index continues in a background worker. Check progress with
"memoir operations <id>".

Examples:
  memoir remember --text "We decided to keep the ledger as one JSON document"
  memoir remember --file ./summary.md --source session-42
  memoir remember --pdf ./design.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		pdf, _ := cmd.Flags().GetString("pdf")
		source, _ := cmd.Flags().GetString("source")

		if text == "" && file == "" && pdf == "" {
			return fmt.Errorf("one of --text, --file, or --pdf is required")
		}
		if source == "" {
			source = "cli"
		}

		req := map[string]any{"source": source}
		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "text"
			req["content"] = string(data)
		case pdf != "":
			data, err := os.ReadFile(pdf)
			if err != nil {
				return fmt.Errorf("reading pdf: %w", err)
			}
			req["type"] = "pdf"
			req["content"] = base64.StdEncoding.EncodeToString(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/memories", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Accepted operation %s", result["operation_id"])
		return nil
	},
}

func init() {
	rememberCmd.Flags().String("text", "", "text content to remember")
	rememberCmd.Flags().String("file", "", "text file to remember")
	rememberCmd.Flags().String("pdf", "", "PDF file to remember")
	rememberCmd.Flags().String("source", "", "content source label (default: cli)")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search remembered summaries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		includeSuperseded, _ := cmd.Flags().GetBool("include-superseded")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(q), limit)
		if includeSuperseded {
			path += "&include_superseded=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []struct {
			ID         string  `json:"id"`
			FinalScore float64 `json:"final_score"`
			Legacy     bool    `json:"legacy"`
			Record     struct {
				Topic     string   `json:"Topic"`
				Context   string   `json:"Context"`
				Decisions []string `json:"Decisions"`
			} `json:"record"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.FinalScore)
			if r.Legacy {
				fmt.Printf("  %s\n", colorize(colorYellow, "(legacy record)"))
			}
			if r.Record.Topic != "" {
				fmt.Printf("  Topic: %s\n", r.Record.Topic)
			}
			if r.Record.Context != "" {
				text := r.Record.Context
				if len(text) > 500 {
					text = text[:500] + "..."
				}
				fmt.Printf("  %s\n", text)
			}
			for _, d := range r.Record.Decisions {
				fmt.Printf("  - %s\n", d)
			}
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().Int("limit", 10, "maximum number of results")
	recallCmd.Flags().Bool("include-superseded", false, "include superseded records")
}

// --- operations ---

var operationsCmd = &cobra.Command{
	Use:   "operations [id]",
	Short: "List background operations or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			resp, err := client.get(cmd.Context(), "/operations/"+args[0])
			if err != nil {
				return err
			}
			var op any
			if err := decodeJSON(resp, &op); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(op)
		}

		resp, err := client.get(cmd.Context(), "/operations")
		if err != nil {
			return err
		}

		var ops []struct {
			OperationID string `json:"operation_id"`
			Status      string `json:"status"`
			StartTime   string `json:"start_time"`
			ErrorCode   string `json:"error_code"`
		}
		if err := decodeJSON(resp, &ops); err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			line := fmt.Sprintf("%s  %-10s  %s",
				colorize(colorCyan, op.OperationID[:8]),
				statusColor(op.Status),
				op.StartTime,
			)
			if op.ErrorCode != "" {
				line += "  " + colorize(colorRed, op.ErrorCode)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func statusColor(status string) string {
	switch status {
	case "completed":
		return colorize(colorGreen, status)
	case "failed", "terminated":
		return colorize(colorRed, status)
	case "unknown":
		return colorize(colorYellow, status)
	default:
		return status
	}
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
