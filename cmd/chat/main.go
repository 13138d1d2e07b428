// Command chat is the terminal view of the conversation: the same state the
// browser page shows, driven from a line editor.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/connortoro/aicompare/internal/app"
	"github.com/connortoro/aicompare/internal/config"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		model      string
		style      string
		width      int
		raw        bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Chat with hosted models from the terminal",
		Long:         "Chat with hosted models through OpenRouter. The conversation is shared with the web view when persistence is enabled.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadYAML(configPath)
			if err != nil {
				return err
			}
			if !verbose {
				cfg.Logging.Level = "warn"
			}
			app.ConfigureLogging(cfg.Logging)
			logrus.SetOutput(cmd.ErrOrStderr())

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if model != "" {
				if err := a.Controller.SelectModel(cmd.Context(), model); err != nil {
					return fmt.Errorf("cannot select model %q: %w", model, err)
				}
			}

			var s *session
			if raw {
				s = newSession(a.Controller, a.Catalog, a.Renderer, nil, cmd.OutOrStdout())
			} else {
				md, err := newMarkdownRenderer(style, width)
				if err != nil {
					return fmt.Errorf("failed to create markdown renderer: %w", err)
				}
				s = newSession(a.Controller, a.Catalog, a.Renderer, md, cmd.OutOrStdout())
			}
			return repl(s, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model label to start with")
	cmd.Flags().StringVar(&style, "style", "auto", "glamour style (auto, dark, light, notty, ...)")
	cmd.Flags().IntVar(&width, "width", 100, "word wrap width for rendered answers")
	cmd.Flags().BoolVar(&raw, "raw", false, "stream answers as plain text instead of rendering them when complete")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")

	return cmd
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "aicompare", "chat_history")
}

func repl(s *session, out io.Writer) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	history := historyPath()
	if f, err := os.Open(history); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if err := os.MkdirAll(filepath.Dir(history), 0o700); err != nil {
			return
		}
		if f, err := os.OpenFile(history, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	// The line editor owns Ctrl-C at the prompt; while an answer streams the
	// terminal is cooked again and Ctrl-C arrives as a signal.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	state := s.conv.Snapshot()
	fmt.Fprintf(out, "Model: %s. %d earlier message(s). Type /help for commands.\n", state.Model, len(state.Turns))

	for {
		input, err := line.Prompt(fmt.Sprintf("%s> ", s.conv.Snapshot().Model))
		if err != nil {
			// Ctrl-C at the prompt or Ctrl-D
			fmt.Fprintln(out)
			return nil
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		// Drop a Ctrl-C that arrived while nothing was running.
		select {
		case <-interrupt:
		default:
		}

		if err := s.handle(input, interrupt); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(out, "[Error] %v\n", err)
		}
	}
}
