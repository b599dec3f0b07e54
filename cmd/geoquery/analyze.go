package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"geoquery/internal/domain"
)

var (
	analyzeType        string
	analyzeURL         bool
	analyzeFiles       []string
	analyzeConcurrency int
	analyzeTimeout     time.Duration
)

// analyzeInput is one piece of content to score
type analyzeInput struct {
	label   string
	content string
	isURL   bool
}

// analyzeOutput is printed for each input
type analyzeOutput struct {
	Input string            `json:"input"`
	State domain.QueryState `json:"state"`
	Error string            `json:"error,omitempty"`
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [content...]",
	Short: "Score content or URLs and print the resulting query states as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs, err := collectInputs(args, analyzeFiles, analyzeURL)
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			return fmt.Errorf("no content given: pass text, URLs with --url, or --file")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if analyzeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, analyzeTimeout)
			defer cancel()
		}

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.close()

		outputs := runAnalyses(ctx, a.client, inputs, analyzeType, analyzeConcurrency)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(outputs); err != nil {
			return err
		}

		failed := 0
		for _, out := range outputs {
			if out.State.Status == domain.StatusError || out.Error != "" {
				failed++
			}
		}
		slog.Debug("Analysis finished", "inputs", len(inputs), "failed", failed)
		if failed > 0 {
			return fmt.Errorf("%d of %d analyses failed", failed, len(inputs))
		}
		return nil
	},
}

// analyzer is the part of analysis.Client the command needs
type analyzer interface {
	Analyze(ctx context.Context, content, contentType string, isURL bool) (domain.QueryState, error)
}

// runAnalyses analyzes every input with bounded concurrency. A failed input
// is recorded in its output and never cancels the others.
func runAnalyses(ctx context.Context, client analyzer, inputs []analyzeInput, contentType string, concurrency int) []analyzeOutput {
	outputs := make([]analyzeOutput, len(inputs))

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))

	for idx, in := range inputs {
		g.Go(func() error {
			state, err := client.Analyze(ctx, in.content, contentType, in.isURL)
			out := analyzeOutput{
				Input: in.label,
				State: state,
				Error: state.ErrorMessage(),
			}
			if err != nil {
				slog.Warn("Analysis did not complete", "input", in.label, "error", err)
				out.Error = err.Error()
			}
			outputs[idx] = out
			return nil
		})
	}

	_ = g.Wait()
	return outputs
}

func collectInputs(args, files []string, isURL bool) ([]analyzeInput, error) {
	inputs := make([]analyzeInput, 0, len(args)+len(files))
	for _, arg := range args {
		inputs = append(inputs, analyzeInput{label: truncate(arg, 60), content: arg, isURL: isURL})
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		inputs = append(inputs, analyzeInput{label: path, content: string(data)})
	}
	return inputs, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeType, "type", "article", "Content type sent to the scoring backend")
	analyzeCmd.Flags().BoolVar(&analyzeURL, "url", false, "Treat positional arguments as URLs to fetch through the proxy")
	analyzeCmd.Flags().StringArrayVar(&analyzeFiles, "file", nil, "Read content from a file (repeatable)")
	analyzeCmd.Flags().IntVar(&analyzeConcurrency, "concurrency", 4, "Maximum analyses in flight")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 5*time.Minute, "Overall timeout, 0 disables")
	rootCmd.AddCommand(analyzeCmd)
}
