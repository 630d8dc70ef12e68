package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/citation-insight/internal/reconcile"
	"github.com/bull/citation-insight/internal/storage"
)

var (
	ingestFile      string
	ingestMeta      []string
	ingestCitations []int64

	reconcileRebuild bool

	analyzeCached bool

	predictQuery string
	predictFile  string

	searchTopK  int
	searchCited bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Chunk, embed and index text or recorded citations",
	Long: `Indexes free-form text (argument, --file or stdin) or, with --citation,
recorded citations tagged so that predictions can find cited material.

Chunks already indexed are not re-embedded.`,
	Example: `  citectl ingest --file article.md --meta sourceUrl=https://example.com/article
  citectl ingest --citation 12 --citation 13`,
	RunE: runIngest,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-mirror durable embeddings missing from the vector index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var result *reconcile.SweepResult
		if reconcileRebuild {
			result, err = a.Reconciler.Rebuild(cmd.Context(), a.Index)
		} else {
			result, err = a.Reconciler.Sweep(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Reconcile complete!")
		fmt.Fprintf(out, "  Scanned:  %d\n", result.Scanned)
		fmt.Fprintf(out, "  Repaired: %d\n", result.Repaired)
		fmt.Fprintf(out, "  Duration: %s\n", result.Duration.Round(time.Millisecond))
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <citation-id>",
	Short: "Analyse why a citation was chosen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid citation id %q: %w", args[0], err)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var result *storage.Analysis
		if analyzeCached {
			result, err = a.Analysis.GetAnalysis(cmd.Context(), id)
		} else {
			result, err = a.Analysis.AnalyzeCitation(cmd.Context(), id)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("citation %d has no analysis or does not exist", id)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict [content]",
	Short: "Predict how likely content is to be cited for a query",
	Example: `  citectl predict --query "best vector database" --file draft.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if predictQuery == "" {
			return errors.New("--query is required")
		}
		content, err := readInput(cmd, args, predictFile)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Prediction.PredictPerformance(cmd.Context(), content, predictQuery)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find indexed content similar to text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var filter storage.Filter
		if searchCited {
			filter = storage.Filter{"hasCitation": true}
		}
		matches, err := a.Search.SearchSimilar(cmd.Context(), strings.Join(args, " "), searchTopK, filter)
		if err != nil {
			return err
		}
		return printJSON(cmd, matches)
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "read text from file (- for stdin)")
	ingestCmd.Flags().StringArrayVar(&ingestMeta, "meta", nil, "metadata key=value attached to every chunk (repeatable)")
	ingestCmd.Flags().Int64SliceVar(&ingestCitations, "citation", nil, "citation id to index (repeatable)")

	reconcileCmd.Flags().BoolVar(&reconcileRebuild, "rebuild", false, "clear the vector index first, then re-mirror every durable record")

	analyzeCmd.Flags().BoolVar(&analyzeCached, "cached", false, "print the stored analysis instead of recomputing")

	predictCmd.Flags().StringVarP(&predictQuery, "query", "q", "", "target search query")
	predictCmd.Flags().StringVarP(&predictFile, "file", "f", "", "read content from file (- for stdin)")

	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 10, "maximum number of matches")
	searchCmd.Flags().BoolVar(&searchCited, "cited", false, "only match content that has been cited")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(ingestCitations) > 0 {
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Indexer.IndexCitations(ctx, ingestCitations)
		if err != nil {
			return fmt.Errorf("indexing failed: %w", err)
		}

		fmt.Fprintln(out, "Ingest complete!")
		fmt.Fprintf(out, "  Citations: %d/%d\n", result.SuccessfulCitations, result.TotalCitations)
		fmt.Fprintf(out, "  Chunks: %d\n", result.TotalChunks)
		fmt.Fprintf(out, "  Duration: %s\n", result.Duration.Round(time.Millisecond))
		if len(result.FailedCitations) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Failed citations:")
			for _, failed := range result.FailedCitations {
				fmt.Fprintf(out, "  - %d: %s\n", failed.ID, failed.Reason)
			}
		}
		return nil
	}

	text, err := readInput(cmd, args, ingestFile)
	if err != nil {
		return err
	}
	meta, err := parseMeta(ingestMeta)
	if err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Indexer.IndexText(ctx, text, meta)
	if result == nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	fmt.Fprintln(out, "Ingest complete!")
	fmt.Fprintf(out, "  Chunks: %d\n", result.TotalChunks)
	for _, rec := range result.Records {
		fmt.Fprintf(out, "  - %s\n", rec.Fingerprint)
	}
	if err != nil {
		fmt.Fprintf(out, "\nWarning: %v\nRun `citectl reconcile` once the index is reachable.\n", err)
	}
	return nil
}

// readInput returns the joined args, the named file, or stdin when neither is given or file is "-".
func readInput(cmd *cobra.Command, args []string, file string) (string, error) {
	switch {
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case file != "" && file != "-":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
}

func parseMeta(pairs []string) (map[string]any, error) {
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}
