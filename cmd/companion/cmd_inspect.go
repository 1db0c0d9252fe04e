package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mindful-ai/companion/internal/app"
	"github.com/mindful-ai/companion/internal/risk"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
)

func runClassifyCommand(cmd *cobra.Command, args []string) error {
	c := risk.Classify(strings.Join(args, " "))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "emergency: %t\n", c.Emergency)
	fmt.Fprintf(out, "crisis:    %t\n", c.Crisis)
	if c.Escalate() {
		fmt.Fprintln(out, "this message would receive the crisis response")
	}
	return nil
}

func runHistoryCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	conversations, closeStore, err := app.NewStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reader, ok := conversations.(store.Reader)
	if !ok {
		return fmt.Errorf("the %s store cannot list history", cfg.StoreBackend)
	}

	conv, err := reader.GetSession(ctx, args[0])
	if err == nil && conv.OwnerID != ownerID {
		err = store.ErrNotFound
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("conversation %s not found", args[0])
	}
	if err != nil {
		return err
	}

	messages, err := reader.History(ctx, args[0])
	if err != nil {
		return err
	}
	if historyLimit > 0 && len(messages) > historyLimit {
		messages = messages[len(messages)-historyLimit:]
	}

	out := cmd.OutOrStdout()
	for _, m := range messages {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
	}
	return nil
}

func runResourcesCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, service.CrisisText)
	renderResources(out, service.CrisisResources())
	return nil
}
