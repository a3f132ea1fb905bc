// Command extract-batch runs the adaptive hybrid extraction engine over a
// dataset of PDF documents.
//
// Usage:
//
//	export GEMINI_API_KEY=...
//	extract-batch -input dataset.json -output results.json
//
// The dataset is either a bare list or an object with an "items" key:
//
//	[
//	  {
//	    "label": "carteira_oab",
//	    "pdf_path": "files/carteira_oab/example1.pdf",
//	    "schema": {
//	      "nome": "Nome do profissional",
//	      "inscricao": "Número de inscrição"
//	    }
//	  }
//	]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"google.golang.org/genai"

	extraction "github.com/SanchesPinto/Adaptive-Hybrid-Extraction"
)

type datasetItem struct {
	Label   string            `json:"label"`
	Schema  map[string]string `json:"schema"`
	PDFPath string            `json:"pdf_path"`
}

type outputFile struct {
	Results   []itemOutput       `json:"results"`
	Summary   extraction.Summary `json:"summary"`
	Timestamp string             `json:"timestamp"`
}

type itemOutput struct {
	ItemIndex  int                `json:"itemIndex"`
	Label      string             `json:"label"`
	PDFPath    string             `json:"pdfPath"`
	Record     map[string]*string `json:"record"`
	Path       int                `json:"path"`
	ElapsedSec float64            `json:"elapsedSeconds"`
	CacheHit   bool               `json:"cacheHit"`
	Confidence float64            `json:"confidence"`
	Cost       float64            `json:"estimatedCost"`
	Error      string             `json:"error,omitempty"`
}

func main() {
	input := flag.String("input", "", "dataset JSON file (required)")
	output := flag.String("output", "results.json", "results JSON file")
	basePath := flag.String("base-path", ".", "base directory for pdf_path entries")
	model := flag.String("model", "gemini-2.0-flash", "provider model")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(log)

	if *input == "" {
		log.Error("missing -input")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*input, *output, *basePath, *model, log); err != nil {
		log.Error("batch failed", "error", err)
		os.Exit(1)
	}
}

func run(input, output, basePath, model string, log *slog.Logger) error {
	ctx := context.Background()

	cfg, err := extraction.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	items, err := loadDataset(input)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	log.Info("dataset loaded", "items", len(items))

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return fmt.Errorf("provider client: %w", err)
	}

	repo, err := extraction.NewParserRepository(cfg.RepositoryRoot, log)
	if err != nil {
		return err
	}
	llm, err := extraction.NewGeminiExtractor(client, model, nil, log)
	if err != nil {
		return err
	}
	jobs := extraction.NewAsyncJobRunner(ctx, 4, llm, repo, log)
	orch := extraction.NewOrchestrator(cfg, repo, llm, jobs, log)
	source := extraction.NewDocumentTextSource(nil, log)

	requests := make([]extraction.Request, 0, len(items))
	for i, item := range items {
		pdf, err := os.ReadFile(filepath.Join(basePath, item.PDFPath))
		if err != nil {
			log.Error("unreadable document, item will fail", "path", item.PDFPath, "error", err)
			pdf = nil
		}
		requests = append(requests, extraction.Request{
			Label:     item.Label,
			Schema:    extraction.Schema(item.Schema),
			PDF:       pdf,
			ItemIndex: i,
		})
	}

	batch := extraction.NewBatchProcessor(cfg, orch, source, log)
	results, summary := batch.Run(ctx, requests)

	// Let in-flight learning land before exiting so the next run starts warm.
	jobs.Wait()

	if err := writeResults(output, items, results, summary); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	log.Info("results written", "path", output)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", summary.Failed, summary.Total)
	}
	return nil
}

func loadDataset(path string) ([]datasetItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []datasetItem
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Items []datasetItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, nil
	}
	return nil, fmt.Errorf("expected a list or an object with an items key")
}

func writeResults(path string, items []datasetItem, results []extraction.Result, summary extraction.Summary) error {
	out := outputFile{
		Summary:   summary,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	for i, res := range results {
		entry := itemOutput{
			ItemIndex:  i + 1,
			Label:      items[i].Label,
			PDFPath:    items[i].PDFPath,
			Record:     res.Record,
			Path:       int(res.Path),
			ElapsedSec: res.Elapsed.Seconds(),
			CacheHit:   res.CacheHit,
			Confidence: res.Confidence,
			Cost:       res.EstimatedCost,
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		out.Results = append(out.Results, entry)
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
