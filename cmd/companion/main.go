// Package main is the command-line companion: a terminal chat plus a few
// inspection commands over the same store and classifier as the API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mindful-ai/companion/internal/config"
	"github.com/mindful-ai/companion/pkg/logger"
)

var (
	cfg *config.Config
	log *logger.Logger

	ownerID        string
	conversationID string
	historyLimit   int

	rootCmd = &cobra.Command{
		Use:           "companion",
		Short:         "A supportive wellness chat in your terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			var err error
			// stdout belongs to the conversation
			log, err = logger.NewWithOutput(cfg.LogLevel, "stderr")
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			logger.SetGlobal(log)
			return nil
		},
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation. Type /new to start over and
/quit to leave. Ctrl-C stops a reply that is still being written.`,
		Args: cobra.NoArgs,
		RunE: runChatCommand, // Defined in cmd_chat.go
	}

	classifyCmd = &cobra.Command{
		Use:   "classify [text]",
		Short: "Show the risk flags the companion would raise for some text",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClassifyCommand, // Defined in cmd_inspect.go
	}

	historyCmd = &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print the stored messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryCommand, // Defined in cmd_inspect.go
	}

	resourcesCmd = &cobra.Command{
		Use:   "resources",
		Short: "Print the crisis support lines",
		Args:  cobra.NoArgs,
		RunE:  runResourcesCommand, // Defined in cmd_inspect.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "local", "owner recorded on conversations")

	chatCmd.Flags().StringVar(&conversationID, "conversation", "", "resume an existing conversation")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "only print the most recent messages")

	rootCmd.AddCommand(chatCmd, classifyCmd, historyCmd, resourcesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
