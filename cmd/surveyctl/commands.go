package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/analysis"
	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/report"
	"github.com/joelkehle/surveyforge/internal/respondent"
	"github.com/joelkehle/surveyforge/internal/store"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain turns a classified backend failure into the user-facing message.
func explain(err error) error {
	var be *llm.BackendError
	if errors.As(err, &be) {
		return fmt.Errorf("%s (%w)", be.Category.Message(), err)
	}
	return err
}

var (
	genEnhance bool
	genExtra   []string
)

var generateCmd = &cobra.Command{
	Use:   "generate <topic>",
	Short: "Generate a survey for a topic and store it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		topic := strings.Join(args, " ")
		if genEnhance {
			topic = a.Generator.Enhance(ctx, topic)
			logger.Info("topic enhanced", zap.String("topic", topic))
		}
		extra := map[string]string{}
		for _, kv := range genExtra {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--extra %q: want key=value", kv)
			}
			extra[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		res, err := a.Generator.Generate(ctx, topic, extra)
		if err != nil {
			return explain(err)
		}
		rec, err := a.Store.SaveSurvey(ctx, topic, res.Document)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, map[string]any{"survey_id": rec.ID, "result": res})
		}
		fmt.Fprintf(out, "survey %s (attempts=%d", rec.ID, res.Attempts)
		if res.RepairStage != "" {
			fmt.Fprintf(out, ", repair=%s", res.RepairStage)
		}
		if res.PlaceholderContext {
			fmt.Fprint(out, ", no reference context")
		}
		fmt.Fprint(out, ")\n\n")
		fmt.Fprint(out, res.Document.Markdown())
		for _, d := range res.Dropped {
			fmt.Fprintf(out, "dropped question %d: %s\n", d.OriginalID, d.Reason)
		}
		return nil
	},
}

var ingestSource string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Add reference documents to the retrieval index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, path := range args {
			blob, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			source := filepath.Base(path)
			if ingestSource != "" && len(args) == 1 {
				source = ingestSource
			}
			n, err := a.Index.Ingest(ctx, source, string(blob), map[string]string{"path": path})
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", source, n)
		}
		st, err := a.Index.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "index: %d chunks from %d sources (%s)\n", st.Chunks, len(st.Sources), st.Embedder)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [dir]",
	Short: "Ingest new and changed reference files (pdf, txt, md)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		dir := cfg.Retrieval.MaterialsDir
		if len(args) == 1 {
			dir = args[0]
		}
		rep, err := a.Materials.Sync(ctx, dir)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		for _, f := range rep.Files {
			line := fmt.Sprintf("[%s] %s", f.Status, f.Path)
			if f.Chunks > 0 {
				line += fmt.Sprintf(" (%d chunks, %s)", f.Chunks, f.Method)
			}
			if f.Error != "" {
				line += ": " + f.Error
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed %d, failed %d\n", rep.Processed, rep.Failed)
		if rep.Failed > 0 {
			return fmt.Errorf("%d files failed", rep.Failed)
		}
		return nil
	},
}

var searchK int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Query the retrieval index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		hits, err := a.Index.Search(ctx, strings.Join(args, " "), searchK)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), hits)
		}
		for i, h := range hits {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. [%.3f] %s\n%s\n\n", i+1, h.Score, h.Metadata["source"], h.Text)
		}
		return nil
	},
}

var surveysCmd = &cobra.Command{
	Use:   "surveys",
	Short: "List stored surveys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.Store.ListSurveys(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), list)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tRESPONSES\tCREATED")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Title, s.ResponseCount, s.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var (
	respondCount int
	respondMode  string
)

var respondCmd = &cobra.Command{
	Use:   "respond <survey-id>",
	Short: "Fill a survey with synthetic respondents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := respondent.ParseMode(respondMode)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Store.GetSurvey(ctx, args[0])
		if err != nil {
			return err
		}
		batch, err := a.Respondents.Generate(ctx, rec.ID, rec.Document, respondCount, mode)
		if err != nil {
			return explain(err)
		}
		for _, r := range batch.Responses {
			if _, err := a.Store.AddResponse(ctx, r); err != nil {
				return err
			}
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), batch)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %d responses, %d failed, tendencies %v\n", len(batch.Responses), batch.Failed, batch.Tendencies)
		return nil
	},
}

var (
	analyzeKind string
	analyzePDF  string
	analyzeHTML string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <survey-id>",
	Short: "Analyse stored responses",
	Long:  "Kinds: full (strategic report), data (per-question summaries), qualitative (open-ended themes), stats (raw tallies).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Store.GetSurvey(ctx, args[0])
		if err != nil {
			return err
		}
		rs, err := a.Store.ListResponses(ctx, rec.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		switch analyzeKind {
		case "stats":
			return printJSON(out, analysis.Statistics(rec.Document, rs))
		case "data":
			return printJSON(out, a.Summarizer.Summarize(ctx, rec.Document, rs))
		case "qualitative":
			q, err := a.Reporter.Qualitative(ctx, rec.Document, rs)
			if err != nil {
				return explain(err)
			}
			if jsonOut {
				return printJSON(out, q)
			}
			fmt.Fprint(out, q.Markdown())
			return nil
		case "full":
		default:
			return fmt.Errorf("unknown kind %q", analyzeKind)
		}

		full, err := a.Reporter.FullReport(ctx, rec.Document, rs)
		if err != nil {
			return explain(err)
		}
		if err := a.Store.SaveReport(ctx, store.Report{SurveyID: rec.ID, Markdown: full.Markdown, Complete: full.Complete}); err != nil {
			return err
		}
		meta := report.Meta{SurveyTitle: rec.Document.Title, SurveyID: rec.ID, Responses: len(rs), Complete: full.Complete}
		if analyzeHTML != "" {
			html, err := report.RenderHTML(full.Markdown, meta, "")
			if err != nil {
				return err
			}
			if err := os.WriteFile(analyzeHTML, []byte(html), 0o644); err != nil {
				return err
			}
		}
		if analyzePDF != "" {
			pdf, err := a.PDF.Render(ctx, full.Markdown, meta)
			if err != nil {
				return fmt.Errorf("render pdf: %w", err)
			}
			if err := os.WriteFile(analyzePDF, pdf, 0o644); err != nil {
				return err
			}
			logger.Info("pdf written", zap.String("path", analyzePDF), zap.Int("bytes", len(pdf)))
		}
		if jsonOut {
			return printJSON(out, full)
		}
		fmt.Fprint(out, full.Markdown)
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair <kind> <file>",
	Short: "Run the structured-text repair tiers over a saved model output",
	Long:  "Reads raw model output (for example a debug_failed_<kind>.txt dump), repairs it and prints the recovered JSON.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		engine := repair.NewEngine(repair.NewMemorySink(), logger)
		var v any
		stage, err := engine.Parse(cmd.Context(), args[0], string(raw), &v)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "recovered at stage %s\n", stage)
		return printJSON(cmd.OutOrStdout(), v)
	},
}

func init() {
	generateCmd.Flags().BoolVar(&genEnhance, "enhance", false, "rewrite the topic with the model first")
	generateCmd.Flags().StringArrayVar(&genExtra, "extra", nil, "extra requirement as key=value (repeatable)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source name for a single file")
	searchCmd.Flags().IntVarP(&searchK, "k", "k", 3, "number of hits")
	respondCmd.Flags().IntVarP(&respondCount, "count", "n", 10, "number of respondents")
	respondCmd.Flags().StringVar(&respondMode, "mode", "random", "tendency: random, positive, neutral, mixed or negative")
	analyzeCmd.Flags().StringVar(&analyzeKind, "kind", "full", "full, data, qualitative or stats")
	analyzeCmd.Flags().StringVar(&analyzePDF, "pdf", "", "write the full report as PDF")
	analyzeCmd.Flags().StringVar(&analyzeHTML, "html", "", "write the full report as HTML")
}
