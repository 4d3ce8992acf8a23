package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmallek/llamagate/internal/dispatch"
	"github.com/jmallek/llamagate/internal/identity"
	"github.com/jmallek/llamagate/internal/pipeline"
	"github.com/jmallek/llamagate/internal/ratelimit"
	"github.com/jmallek/llamagate/internal/toolloop"
	"github.com/jmallek/llamagate/internal/types"
	"github.com/jmallek/llamagate/internal/usage"
)

const helpText = `Commands:
  /models        list available models
  /ps            list running models
  /quota         show quota status
  /stats         show 7-day usage
  /search QUERY  web search
  /fetch URL     fetch a page
  /agent MSG     tool-calling turn with web search available
  /race MSG      ask every credential, first success wins
  /parallel MSG  ask every credential, show all replies
  /clear         reset conversation
  /quit          exit`

// chatOptions are the per-session settings taken from the command line.
type chatOptions struct {
	model string
	mode  string // "", "race", "parallel"
}

// runChat drives the interactive conversation loop until EOF, /quit, or
// context cancellation.
func runChat(ctx context.Context, p *pipeline.Pipeline, d *dispatch.Dispatcher, ledger *usage.Ledger, limiter *ratelimit.Limiter, caller identity.Identity, maxIterations int, opts chatOptions) error {
	var history []types.Message
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, p, d, ledger, line, &history)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			if !strings.HasPrefix(line, "/agent") {
				continue
			}
		}

		if _, err := limiter.Allow(caller.ID, caller.Tier); err != nil {
			var rl *types.RateLimitedError
			if errors.As(err, &rl) {
				fmt.Fprintf(os.Stderr, "rate limited (%s): retry in %s\n", rl.Scope, rl.RetryAfter.Round(time.Second))
				continue
			}
			return err
		}

		if strings.HasPrefix(line, "/agent") {
			msg := strings.TrimSpace(strings.TrimPrefix(line, "/agent"))
			tokens, err := agentTurn(ctx, p, &history, msg, maxIterations)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			limiter.RecordTokens(caller.ID, tokens)
			continue
		}

		if opts.mode != "" {
			if _, err := runCommand(ctx, p, d, ledger, "/"+opts.mode+" "+line, &history); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			continue
		}

		history = append(history, types.NewTextMessage(types.RoleUser, line))
		reply, tokens, err := streamTurn(ctx, p, history, opts.model)
		if err != nil {
			// Drop the failed turn so history stays consistent.
			history = history[:len(history)-1]
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		limiter.RecordTokens(caller.ID, tokens)
		history = append(history, reply)
	}
}

func streamTurn(ctx context.Context, p *pipeline.Pipeline, history []types.Message, model string) (types.Message, int, error) {
	stream, err := p.ChatStream(ctx, &types.ChatRequest{Model: model, Messages: history})
	if err != nil {
		return types.Message{}, 0, err
	}
	defer stream.Close()

	for {
		chunk, ok := stream.Next()
		if !ok {
			break
		}
		fmt.Print(chunk.Message.Content)
	}
	fmt.Println()

	if err := stream.Err(); err != nil {
		return types.Message{}, 0, err
	}
	resp := stream.Response()
	return resp.Message, resp.TotalTokens(), nil
}

// agentTurn runs one tool-loop conversation turn with web tools available.
func agentTurn(ctx context.Context, p *pipeline.Pipeline, history *[]types.Message, msg string, maxIterations int) (int, error) {
	if msg == "" {
		return 0, errors.New("usage: /agent MESSAGE")
	}
	*history = append(*history, types.NewTextMessage(types.RoleUser, msg))

	tools := []types.Tool{
		types.NewTool("web_search", "Search the web", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		}),
		types.NewTool("web_fetch", "Fetch a web page by URL", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []string{"url"},
		}),
	}

	funcs := map[string]toolloop.Func{
		"web_search": func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			resp, err := p.WebSearch(ctx, &types.WebSearchRequest{Query: query})
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(resp.Results)
			return string(out), err
		},
		"web_fetch": func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			resp, err := p.WebFetch(ctx, &types.WebFetchRequest{URL: url})
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		},
	}

	res, err := toolloop.Run(ctx, p, *history, tools, funcs,
		toolloop.WithMaxIterations(maxIterations))
	if err != nil {
		*history = (*history)[:len(*history)-1]
		return 0, err
	}

	fmt.Println(res.Message.Content)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "(stopped at the iteration cap)")
	}
	*history = res.History
	return res.Tokens, nil
}

// runCommand handles slash commands; /agent is admitted and dispatched by
// the caller. Returns true when the session should end.
func runCommand(ctx context.Context, p *pipeline.Pipeline, d *dispatch.Dispatcher, ledger *usage.Ledger, line string, history *[]types.Message) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Println(helpText)

	case "/clear":
		*history = nil
		fmt.Println("conversation cleared")

	case "/models":
		resp, err := p.ListModels(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range resp.Models {
			fmt.Println(m.Name)
		}

	case "/ps":
		resp, err := p.ListRunning(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range resp.Models {
			fmt.Printf("%s (until %s)\n", m.Name, m.ExpiresAt.Format(time.Kitchen))
		}

	case "/quota":
		status := ledger.QuotaStatus()
		printWindow("hourly", status.Hourly)
		printWindow("weekly", status.Weekly)
		printWindow("daily", status.Daily)
		fmt.Printf("level:  %s\n", status.WarningLevel)

	case "/stats":
		records, err := ledger.DailyStats(7)
		if err != nil {
			return false, err
		}
		for _, r := range records {
			fmt.Printf("%s  requests=%d tokens=%d errors=%d avg=%.0fms\n",
				r.Date, r.Requests, r.Tokens, r.Errors, r.AvgResponseMs)
		}

	case "/search":
		if arg == "" {
			return false, errors.New("usage: /search QUERY")
		}
		resp, err := p.WebSearch(ctx, &types.WebSearchRequest{Query: arg})
		if err != nil {
			return false, err
		}
		for _, r := range resp.Results {
			fmt.Printf("%s\n  %s\n", r.Title, r.URL)
		}

	case "/fetch":
		if arg == "" {
			return false, errors.New("usage: /fetch URL")
		}
		resp, err := p.WebFetch(ctx, &types.WebFetchRequest{URL: arg})
		if err != nil {
			return false, err
		}
		fmt.Println(resp.Content)

	case "/race":
		if arg == "" {
			return false, errors.New("usage: /race MESSAGE")
		}
		turns := append(append([]types.Message{}, *history...), types.NewTextMessage(types.RoleUser, arg))
		res, err := d.Race(ctx, &types.ChatRequest{Messages: turns})
		if err != nil {
			return false, err
		}
		fmt.Println(res.Response.Message.Content)
		fmt.Fprintf(os.Stderr, "(slot %d, %s, in %s)\n", res.SlotIndex, res.Model, res.Duration.Round(time.Millisecond))
		*history = append(turns, res.Response.Message)

	case "/parallel":
		if arg == "" {
			return false, errors.New("usage: /parallel MESSAGE")
		}
		turns := append(append([]types.Message{}, *history...), types.NewTextMessage(types.RoleUser, arg))
		for _, res := range d.Parallel(ctx, &types.ChatRequest{Messages: turns}) {
			fmt.Printf("--- slot %d (%s, %s) ---\n", res.SlotIndex, res.Model, res.Duration.Round(time.Millisecond))
			if res.Success {
				fmt.Println(res.Response.Message.Content)
			} else {
				fmt.Println("failed:", res.ErrorMessage)
			}
		}

	case "/agent":
		// Handled by the caller after admission.

	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
	return false, nil
}

func printWindow(name string, w usage.WindowStatus) {
	if w.Limit <= 0 {
		fmt.Printf("%s: %d used (unlimited)\n", name, w.Used)
		return
	}
	fmt.Printf("%s: %d/%d (%.0f%%)\n", name, w.Used, w.Limit, w.Pct)
}
