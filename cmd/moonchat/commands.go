package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mosich/moonchat/internal/config"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and print the assistant reply",
	Long: `Send a message and print the assistant reply.

Examples:
  moonchat chat "What is the capital of France?"
  moonchat chat --user alice "Summarize the attached report"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		content := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chat", map[string]string{
			"user_id": user,
			"content": content,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result["reply"])
		return nil
	},
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge <path>",
	Short: "Attach a file as temporary knowledge for a user's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetInt("ttl")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/knowledge", map[string]any{
			"user_id":     user,
			"path":        args[0],
			"ttl_seconds": ttl,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cached %s as %s", args[0], result["file_hash"])
		return nil
	},
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect user sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var sess any
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the file content cache",
}

var cacheTagsCmd = &cobra.Command{
	Use:   "tags <tag>",
	Short: "List cache records carrying a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache/tags/"+args[0])
		if err != nil {
			return err
		}

		var records []struct {
			FileHash  string `json:"file_hash"`
			FilePath  string `json:"file_path"`
			ExpiresAt string `json:"expires_at"`
			Messages  int    `json:"messages"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No cache records found.")
			return nil
		}

		for _, rec := range records {
			expiry := rec.ExpiresAt
			if expiry == "" {
				expiry = "never"
			}
			fmt.Printf("%s  %s  expires: %s  messages: %d\n",
				colorize(ansiCyan, shortHash(rec.FileHash)),
				rec.FilePath,
				expiry,
				rec.Messages,
			)
		}
		return nil
	},
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the maintenance pass on the cache and all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Running maintenance...")
		resp, err := client.post(cmd.Context(), "/maintenance/cleanup", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d expired cache records, %d idle sessions, dropped %d messages",
			result["expired_cache_records"],
			result["removed_sessions"],
			result["cleaned_messages"],
		)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("user", "default", "user identifier for the conversation")
	knowledgeCmd.Flags().String("user", "default", "user identifier for the conversation")
	knowledgeCmd.Flags().Int("ttl", 0, "cache TTL in seconds (default one hour)")
	sessionCmd.AddCommand(sessionShowCmd)
	cacheCmd.AddCommand(cacheTagsCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
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

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
