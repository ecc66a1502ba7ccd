// Package repl is the terminal front end. Plain lines go to chat; lines
// starting with "/" are commands.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"ChatPortal/internal/portal"
	"ChatPortal/internal/session"
)

// REPL reads commands and messages and prints the portal's responses
type REPL struct {
	portal *portal.Portal
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	ragModel  string
	chatModel string
	seen      int // chat bubbles already printed
}

// New creates a REPL over p
func New(p *portal.Portal, in io.Reader, out io.Writer, logger *slog.Logger) *REPL {
	if logger == nil {
		logger = slog.Default()
	}
	return &REPL{portal: p, in: in, out: out, logger: logger}
}

// Run loops until /quit, end of input or ctx is cancelled
func (r *REPL) Run(ctx context.Context) error {
	if err := r.portal.LoadModels(ctx); err != nil {
		r.logger.Warn("failed to load model lists", "error", err)
	}
	v := r.portal.View()
	r.ragModel = v.RAGModels.Selected
	r.chatModel = v.ChatModels.Selected

	fmt.Fprintln(r.out, "=== ChatPortal ===")
	fmt.Fprintf(r.out, "Chat model: %s\n", r.label(r.chatModel))
	fmt.Fprintln(r.out, "Type /help for commands, /quit to exit")
	r.printBubbles()
	fmt.Fprintln(r.out)

	scanner := bufio.NewScanner(r.in)
	for {
		if ctx.Err() != nil {
			break
		}
		fmt.Fprint(r.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := r.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
				r.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := r.portal.Send(ctx, input, r.chatModel); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			continue
		}
		r.printBubbles()
		fmt.Fprintln(r.out)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	fmt.Fprintln(r.out, "Goodbye!")
	return nil
}

func (r *REPL) label(model string) string {
	if model == "" {
		return "(server default)"
	}
	return portal.ProviderLabel(model)
}

// printBubbles writes chat bubbles added since the last call. User bubbles
// are skipped since the user just typed them.
func (r *REPL) printBubbles() {
	bubbles := r.portal.View().Chat
	if len(bubbles) < r.seen {
		r.seen = 0
	}
	for _, b := range bubbles[r.seen:] {
		switch b.Role {
		case session.RoleAssistant:
			fmt.Fprintf(r.out, "Bot [%s]: %s\n", b.Label, b.Text)
		case session.RoleSystem:
			fmt.Fprintf(r.out, "* %s\n", b.Text)
		}
	}
	r.seen = len(bubbles)
}

// handleCommand handles slash commands
func (r *REPL) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/login":
		if len(parts) != 3 {
			return false, errors.New("usage: /login <username> <password>")
		}
		if err := r.portal.Login(ctx, parts[1], parts[2]); err != nil {
			return false, err
		}
		v := r.portal.View()
		fmt.Fprintln(r.out, v.Login.Message)
		if v.Login.OK {
			fmt.Fprintf(r.out, "Expires in: %ds | Type: %s\n", v.Login.ExpiresIn, v.Login.TokenType)
		}
		fmt.Fprintln(r.out, v.Badge)
		return false, nil

	case "/logout":
		r.portal.Logout()
		fmt.Fprintln(r.out, r.portal.View().Badge)
		return false, nil

	case "/search":
		query := strings.TrimSpace(strings.TrimPrefix(cmd, "/search"))
		if query == "" {
			return false, errors.New("usage: /search <query>")
		}
		if err := r.portal.Search(ctx, query, r.ragModel); err != nil {
			return false, err
		}
		res := r.portal.View().Search
		if !res.OK {
			fmt.Fprintln(r.out, res.Message)
			return false, nil
		}
		fmt.Fprintf(r.out, "\n%s\n\nRetrieved Context · %s\n", res.Answer, res.ModelLabel)
		for _, d := range res.Documents {
			fmt.Fprintf(r.out, "  - %s\n", d)
		}
		fmt.Fprintln(r.out)
		return false, nil

	case "/model":
		if len(parts) != 3 {
			return false, errors.New("usage: /model <chat|rag> <provider/name>")
		}
		v := r.portal.View()
		switch parts[1] {
		case "chat":
			if err := checkModel(parts[2], v.ChatModels); err != nil {
				return false, err
			}
			r.chatModel = parts[2]
		case "rag":
			if err := checkModel(parts[2], v.RAGModels); err != nil {
				return false, err
			}
			r.ragModel = parts[2]
		default:
			return false, fmt.Errorf("unknown model target: %s", parts[1])
		}
		fmt.Fprintf(r.out, "%s model set to: %s\n", parts[1], r.label(parts[2]))
		return false, nil

	case "/models":
		v := r.portal.View()
		r.printModels("Chat models", v.ChatModels.Options, r.chatModel)
		r.printModels("RAG models", v.RAGModels.Options, r.ragModel)
		return false, nil

	case "/clear":
		r.portal.ClearChat()
		r.seen = 0
		r.printBubbles()
		return false, nil

	case "/status":
		v := r.portal.View()
		fmt.Fprintln(r.out, v.Badge)
		fmt.Fprintf(r.out, "Chat model: %s\n", r.label(r.chatModel))
		fmt.Fprintf(r.out, "RAG model: %s\n", r.label(r.ragModel))
		fmt.Fprintf(r.out, "Transcript: %d messages\n", len(r.portal.History()))
		return false, nil

	case "/help":
		fmt.Fprintln(r.out, "Available commands:")
		fmt.Fprintln(r.out, "  /login <user> <password>     - Log in and keep the bearer token")
		fmt.Fprintln(r.out, "  /logout                      - Forget the token")
		fmt.Fprintln(r.out, "  /search <query>              - Ask the document corpus")
		fmt.Fprintln(r.out, "  /model <chat|rag> <model>    - Select a model (e.g., anthropic/claude-sonnet-4-6)")
		fmt.Fprintln(r.out, "  /models                      - List available models")
		fmt.Fprintln(r.out, "  /clear                       - Clear the chat transcript")
		fmt.Fprintln(r.out, "  /status                      - Show login and model state")
		fmt.Fprintln(r.out, "  /quit, /exit                 - Exit")
		fmt.Fprintln(r.out, "  /help                        - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

func (r *REPL) printModels(title string, models []string, current string) {
	fmt.Fprintf(r.out, "\n%s:\n", title)
	if len(models) == 0 {
		fmt.Fprintln(r.out, "  (unavailable)")
		return
	}
	for i, m := range models {
		marker := ""
		if m == current {
			marker = " (current)"
		}
		fmt.Fprintf(r.out, "%d. %s%s\n", i+1, portal.ProviderLabel(m), marker)
	}
}

// checkModel rejects ids the API did not list. An empty list means the
// lists could not be loaded, so any id is passed through to the API.
func checkModel(id string, choice portal.ModelChoice) error {
	if len(choice.Options) == 0 {
		return nil
	}
	for _, m := range choice.Options {
		if m == id {
			return nil
		}
	}
	return fmt.Errorf("unknown model: %s", id)
}
