package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/streamchat/internal/cache"
	"github.com/MegaGrindStone/streamchat/internal/export"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/MegaGrindStone/streamchat/internal/tui"
)

func sendCmd(a *app) *cobra.Command {
	var (
		chatID    string
		model     string
		effort    string
		reasoning bool
	)

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message and stream the reply",
		Long: `Send a message and print the reply as it streams. Without --chat a new chat is created.
Press Ctrl+C to stop the reply; what was generated so far is kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("model") {
				model = a.cfg.Model
			}
			if !cmd.Flags().Changed("effort") {
				effort = a.cfg.ReasoningEffort
			}
			if !cmd.Flags().Changed("reasoning") {
				reasoning = a.cfg.ShowReasoning
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ctrl := stream.NewController(a.client, a.logger)
			defer ctrl.Close()
			if chatID != "" {
				ctrl.Focus(chatID)
			}

			out := cmd.OutOrStdout()
			p := newLivePrinter(out, chatID, reasoning)
			unobserve := ctrl.Store().Observe(p.observe)
			defer unobserve()

			req := stream.SendRequest{
				ChatID:  chatID,
				Content: strings.Join(args, " "),
				Model:   model,
			}
			if effort != "" {
				req.Reasoning = &models.ReasoningConfig{Effort: effort}
			}

			id, err := ctrl.Send(ctx, req)
			p.breakLine()
			if p.wrote() {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("Stopped"))
			}

			totals := lastTurn(ctrl.Visible())
			printStats(out, totals)
			fmt.Fprintln(cmd.ErrOrStderr(), color.HiBlackString("chat %s", id))

			a.touchModel(totals.Model)
			return nil
		},
	}

	cmd.Flags().StringVarP(&chatID, "chat", "c", "", "Chat to continue")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model for a new chat")
	cmd.Flags().StringVarP(&effort, "effort", "e", "", "Reasoning effort: low, medium, high")
	cmd.Flags().BoolVarP(&reasoning, "reasoning", "r", false, "Print reasoning as it streams")
	return cmd
}

// lastTurn returns the accounting of the last assistant message.
func lastTurn(msgs []models.Message) stream.Totals {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return stream.TotalsOf(msgs[i : i+1])
		}
	}
	return stream.Totals{}
}

// touchModel records model as recently used. The cache is a convenience, so failures are only logged.
func (a *app) touchModel(model string) {
	if model == "" {
		return
	}
	c, err := a.modelCache()
	if err != nil {
		a.logger.Warn("Failed to open cache", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := c.TouchModel(model, cache.DefaultRecentModels); err != nil {
		a.logger.Warn("Failed to record model", slog.String(errLoggerKey, err.Error()))
	}
}

func chatsCmd(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:     "chats",
		Aliases: []string{"ls"},
		Short:   "List chats",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			chats, err := a.client.Chats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printChats(out, chats)
			if !watch {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			for chat, err := range a.client.WatchChats(ctx) {
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				printChats(out, []models.Chat{chat})
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing chats as they change")
	return cmd
}

func showCmd(a *app) *cobra.Command {
	var reasoning bool

	cmd := &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print a chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := a.client.Chat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), chat, reasoning || a.cfg.ShowReasoning)
			printStats(cmd.OutOrStdout(), stream.TotalsOf(chat.Messages))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&reasoning, "reasoning", "r", false, "Include reasoning text")
	return cmd
}

func modelsCmd(a *app) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, recent, err := a.models(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), list, recent)
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore the cached catalog")
	return cmd
}

// models returns the catalog, from the local cache when it is fresh, and the recently used models.
func (a *app) models(ctx context.Context, refresh bool) ([]models.ModelInfo, []string, error) {
	c, err := a.modelCache()
	if err != nil {
		a.logger.Warn("Failed to open cache", slog.String(errLoggerKey, err.Error()))
		list, err := a.client.Models(ctx)
		return list, nil, err
	}

	key := "models:" + a.cfg.Server
	var list []models.ModelInfo
	if !refresh {
		if ok, err := c.Get(key, &list); err != nil {
			a.logger.Warn("Failed to read cached models", slog.String(errLoggerKey, err.Error()))
		} else if ok {
			recent, err := c.RecentModels()
			return list, recent, err
		}
	}

	list, err = a.client.Models(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Set(key, list); err != nil {
		a.logger.Warn("Failed to cache models", slog.String(errLoggerKey, err.Error()))
	}
	recent, err := c.RecentModels()
	return list, recent, err
}

func exportCmd(a *app) *cobra.Command {
	var (
		format    string
		output    string
		style     string
		reasoning bool
	)

	cmd := &cobra.Command{
		Use:   "export <chat-id>",
		Short: "Export a chat as Markdown or HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "md" && format != "html" {
				return fmt.Errorf("unknown format %q, want md or html", format)
			}

			chat, err := a.client.Chat(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			if format == "md" {
				err = export.Markdown(w, chat, reasoning)
			} else {
				err = export.New(export.Options{Style: style, Reasoning: reasoning}).HTML(w, chat, reasoning)
			}
			if err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("✓ Exported to %s", output))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "md", "Output format: md or html")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&style, "style", "", "Code highlighting style for html")
	cmd.Flags().BoolVarP(&reasoning, "reasoning", "r", false, "Include reasoning and tool steps")
	return cmd
}

func tuiCmd(a *app) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Start the interactive client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ctrl := stream.NewController(a.client, a.logger)
			defer ctrl.Close()
			if chatID != "" {
				if err := ctrl.Open(ctx, chatID); err != nil {
					return err
				}
			}

			err := tui.Run(ctx, ctrl, tui.Options{
				Model:         a.cfg.Model,
				Effort:        a.cfg.ReasoningEffort,
				ShowReasoning: a.cfg.ShowReasoning,
			})
			a.touchModel(ctrl.Stats().Model)
			return err
		},
	}

	cmd.Flags().StringVarP(&chatID, "chat", "c", "", "Chat to open")
	return cmd
}
