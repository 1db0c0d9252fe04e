package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/app"
	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/pkg/logger"
)

const greeting = "Hi, I'm here to listen. How are you feeling today?"

func runChatCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	conversations, closeStore, err := app.NewStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := app.NewLLM(cfg, log)
	if err != nil {
		return err
	}

	registry := service.NewSessionRegistry(conversations, client, app.ServiceOptions(cfg), log)

	controller := registry.New(ownerID)
	if conversationID != "" {
		if controller, err = registry.Get(ctx, ownerID, conversationID); err != nil {
			return fmt.Errorf("cannot resume conversation %s: %w", conversationID, err)
		}
	}

	r := &repl{
		controller: controller,
		in:         cmd.InOrStdin(),
		out:        cmd.OutOrStdout(),
		logger:     log,
		turnContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
	err = r.run(ctx)
	if werr := r.controller.Wait(context.Background()); werr != nil {
		log.Warn("pending writes not flushed", zap.Error(werr))
	}
	return err
}

// repl reads one utterance per line and prints the reply as it streams.
type repl struct {
	controller *service.TurnController
	in         io.Reader
	out        io.Writer
	logger     *logger.Logger

	// turnContext scopes one turn. The CLI cancels it on Ctrl-C.
	turnContext func(context.Context) (context.Context, context.CancelFunc)
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintf(r.out, "%s\n", greeting)
	if id := r.controller.ConversationID(); id != "" {
		fmt.Fprintf(r.out, "(resumed conversation %s)\n", id)
	}

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := r.controller.Reset(ctx); err != nil {
				fmt.Fprintln(r.out, "Could not clear the previous conversation, starting fresh anyway.")
				r.logger.Warn("failed to reset conversation", zap.Error(err))
			}
			fmt.Fprintf(r.out, "%s\n", greeting)
			continue
		}

		if err := r.turn(ctx, line); err != nil {
			return err
		}
	}
}

func (r *repl) turn(ctx context.Context, text string) error {
	turnCtx, cancel := r.turnContext(ctx)
	defer cancel()

	events, err := r.controller.ProcessTurn(turnCtx, model.NewUtterance(text))
	if err != nil {
		return err
	}

	streamed := false
	for ev := range events {
		switch ev.Type {
		case model.TurnEventChunk:
			fmt.Fprint(r.out, ev.Text)
			streamed = true
		case model.TurnEventComplete:
			renderReply(r.out, ev, streamed)
		case model.TurnEventFailed:
			if streamed {
				fmt.Fprintln(r.out)
			}
			fmt.Fprintln(r.out, ev.Message.Content)
		}
	}
	if turnCtx.Err() != nil && ctx.Err() == nil {
		fmt.Fprintln(r.out, "\n(stopped)")
	}
	return nil
}

// renderReply finishes a reply. Crisis replies are never streamed, so their
// text is printed here along with the support lines.
func renderReply(w io.Writer, ev model.TurnEvent, streamed bool) {
	msg := ev.Message
	if streamed {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, msg.Content)
	}

	switch msg.Kind {
	case model.KindCrisis:
		if ev.Risk.Emergency {
			fmt.Fprintln(w, "\n!! If you are in immediate danger, call 911 now.")
		}
		renderResources(w, msg.Resources)
	case model.KindMeditation:
		fmt.Fprintf(w, "\n~ %s ~\n", msg.Title)
	}
}

func renderResources(w io.Writer, resources []model.CrisisResource) {
	fmt.Fprintln(w)
	for _, r := range resources {
		fmt.Fprintf(w, "  %-32s %-22s %s\n", r.Name, r.Number, r.Description)
	}
}
