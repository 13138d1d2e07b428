package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	appconv "github.com/connortoro/aicompare/application/conversation"
	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/models"
	"github.com/connortoro/aicompare/infrastructure/render"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
)

const helpText = `Commands:
  /models            list models
  /model <label>     switch model
  /clear             forget the conversation
  /cancel            stop the answer in progress
  /history           show the transcript
  /copy [n]          copy response n (default: last)
  /copy-prompt [n]   copy prompt n (default: last)
  /copy-code [n]     copy code block n of the last response (default: all)
  /quit              exit
Ctrl-C cancels an answer in progress, Ctrl-D exits.`

var errQuit = errors.New("quit")

// session drives one conversation from the terminal.
type session struct {
	conv     *appconv.Controller
	catalog  *models.Catalog
	blocks   *render.Renderer
	markdown *glamour.TermRenderer // nil prints answers as they stream
	out      io.Writer
	copy     func(string) error
}

func newSession(conv *appconv.Controller, catalog *models.Catalog, blocks *render.Renderer, markdown *glamour.TermRenderer, out io.Writer) *session {
	return &session{
		conv:     conv,
		catalog:  catalog,
		blocks:   blocks,
		markdown: markdown,
		out:      out,
		copy:     clipboard.WriteAll,
	}
}

func newMarkdownRenderer(style string, width int) (*glamour.TermRenderer, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	return glamour.NewTermRenderer(opts...)
}

// handle runs one line of input. It returns errQuit when the user asks to exit.
func (s *session) handle(line string, interrupt <-chan os.Signal) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return s.ask(line, interrupt)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/models":
		current := s.conv.Snapshot().Model
		for _, m := range s.catalog.Models() {
			marker := " "
			if m.Label == current {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %-20s %s\n", marker, m.Label, m.ID)
		}
	case "/model":
		if arg == "" {
			fmt.Fprintf(s.out, "Current model: %s\n", s.conv.Snapshot().Model)
			return nil
		}
		if err := s.conv.SelectModel(context.Background(), arg); err != nil {
			if errors.Is(err, models.ErrUnknownModel) {
				return fmt.Errorf("unknown model %q, see /models", arg)
			}
			return err
		}
		fmt.Fprintf(s.out, "Model set to %s\n", arg)
	case "/clear":
		if err := s.conv.Clear(context.Background()); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Conversation cleared")
	case "/cancel":
		if !s.conv.Snapshot().Busy() {
			fmt.Fprintln(s.out, "Nothing to cancel")
			return nil
		}
		s.conv.Cancel()
	case "/history":
		s.printHistory()
	case "/copy":
		turn, err := s.turn(arg)
		if err != nil {
			return err
		}
		return s.copyText(turn.Response, "response")
	case "/copy-prompt":
		turn, err := s.turn(arg)
		if err != nil {
			return err
		}
		return s.copyText(turn.Prompt, "prompt")
	case "/copy-code":
		return s.copyCode(arg)
	default:
		return fmt.Errorf("unknown command %s, try /help", name)
	}
	return nil
}

// ask submits prompt and blocks until the answer is complete or the user
// interrupts it.
func (s *session) ask(prompt string, interrupt <-chan os.Signal) error {
	events, unsubscribe := s.conv.Subscribe()
	defer unsubscribe()

	if err := s.conv.Submit(prompt); err != nil {
		return err
	}
	if s.markdown != nil {
		fmt.Fprintln(s.out, "… (Ctrl-C to cancel)")
	}

	printed := 0
	for {
		select {
		case <-interrupt:
			s.conv.Cancel()
		case ev, ok := <-events:
			if !ok {
				return appconv.ErrClosed
			}
			if len(ev.State.Turns) == 0 {
				continue
			}
			last := ev.State.Turns[len(ev.State.Turns)-1]
			if s.markdown == nil && len(last.Response) > printed {
				fmt.Fprint(s.out, last.Response[printed:])
				printed = len(last.Response)
			}
			if ev.State.Busy() {
				continue
			}
			s.finish(last, printed)
			return nil
		}
	}
}

func (s *session) finish(turn conversation.Turn, printed int) {
	switch {
	case turn.Response == "":
		fmt.Fprintln(s.out, "[cancelled]")
	case s.markdown == nil || turn.Failed:
		if printed == 0 {
			fmt.Fprint(s.out, turn.Response)
		}
		fmt.Fprintln(s.out)
	default:
		rendered, err := s.markdown.Render(turn.Response)
		if err != nil {
			rendered = turn.Response + "\n"
		}
		fmt.Fprint(s.out, rendered)
	}
}

func (s *session) printHistory() {
	turns := s.conv.Snapshot().Turns
	if len(turns) == 0 {
		fmt.Fprintln(s.out, "No messages yet")
		return
	}
	for i, t := range turns {
		fmt.Fprintf(s.out, "[%d] > %s\n", i+1, t.Prompt)
		fmt.Fprintf(s.out, "    %s\n", indent(t.Response))
	}
}

func indent(text string) string {
	return strings.ReplaceAll(strings.TrimRight(text, "\n"), "\n", "\n    ")
}

// turn returns the 1-based turn n, or the last turn when arg is empty.
func (s *session) turn(arg string) (conversation.Turn, error) {
	turns := s.conv.Snapshot().Turns
	if len(turns) == 0 {
		return conversation.Turn{}, errors.New("no messages yet")
	}
	n, err := index(arg, len(turns))
	if err != nil {
		return conversation.Turn{}, err
	}
	return turns[n], nil
}

func index(arg string, count int) (int, error) {
	if arg == "" {
		return count - 1, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > count {
		return 0, fmt.Errorf("expected a number between 1 and %d", count)
	}
	return n - 1, nil
}

func (s *session) copyCode(arg string) error {
	last, err := s.turn("")
	if err != nil {
		return err
	}
	blocks := s.blocks.ExtractCodeBlocks(last.Response)
	if len(blocks) == 0 {
		return errors.New("the last response has no code blocks")
	}
	if arg == "" {
		codes := make([]string, len(blocks))
		for i, b := range blocks {
			codes[i] = b.Code
		}
		return s.copyText(strings.Join(codes, "\n"), fmt.Sprintf("%d code block(s)", len(blocks)))
	}
	n, err := index(arg, len(blocks))
	if err != nil {
		return err
	}
	return s.copyText(blocks[n].Code, "code block")
}

func (s *session) copyText(text, what string) error {
	if text == "" {
		return fmt.Errorf("nothing to copy, the %s is empty", what)
	}
	if err := s.copy(text); err != nil {
		return fmt.Errorf("error copying to clipboard: %w", err)
	}
	fmt.Fprintf(s.out, "Copied %s to clipboard\n", what)
	return nil
}
