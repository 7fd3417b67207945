package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
	"github.com/xhad/papyrus/pkg/chat"
	"github.com/xhad/papyrus/pkg/chunker"
	cfgPkg "github.com/xhad/papyrus/pkg/config"
	"github.com/xhad/papyrus/pkg/extractor"
	"github.com/xhad/papyrus/pkg/linker"
	"github.com/xhad/papyrus/pkg/llm"
	"github.com/xhad/papyrus/pkg/pipeline"
	"github.com/xhad/papyrus/pkg/retriever"
	"github.com/xhad/papyrus/pkg/store"
	"github.com/xhad/papyrus/server"
)

type Config struct {
	BaseURL        string
	DBUrl          string
	Model          string
	EmbeddingModel string
	VectorDim      int
	BatchSize      int
	RateLimit      float64
	ChunkSize      int
	ChunkOverlap   int
	PageWindow     int
	TopK           int
	MaxTokens      int
	Temperature    float64
	Ingest         string
	Serve          bool
	Addr           string
}

func main() {
	config := parseFlags()

	if err := run(config); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() Config {
	var config Config
	var configPath string

	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&config.BaseURL, "ollama-url", os.Getenv("OLLAMA_BASE_URL"), "Ollama server URL")
	flag.StringVar(&config.DBUrl, "db-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (empty runs in-memory)")
	flag.StringVar(&config.Model, "model", "mistral", "LLM model to use")
	flag.StringVar(&config.EmbeddingModel, "embedding-model", "nomic-embed-text", "Embedding model to use")
	flag.IntVar(&config.VectorDim, "vector-dim", 768, "Vector dimension")
	flag.IntVar(&config.BatchSize, "batch-size", 100, "Batch size for embedding calls")
	flag.Float64Var(&config.RateLimit, "rate-limit", 2.0, "Rate limit for embedding calls")
	flag.IntVar(&config.ChunkSize, "chunk-size", 1000, "Size of text chunks")
	flag.IntVar(&config.ChunkOverlap, "chunk-overlap", 200, "Overlap between adjacent chunks")
	flag.IntVar(&config.PageWindow, "page-window", 0, "Page distance for chunk-media linking")
	flag.IntVar(&config.TopK, "top-k", 5, "Number of chunks retrieved per question")
	flag.IntVar(&config.MaxTokens, "max-tokens", 1000, "Maximum tokens for LLM response")
	flag.Float64Var(&config.Temperature, "temperature", 0.7, "Set the LLM temperature")
	flag.StringVar(&config.Ingest, "ingest", "", "Comma-separated documents to ingest before chatting")
	flag.BoolVar(&config.Serve, "serve", false, "Run the HTTP/WebSocket server instead of the chat loop")
	flag.StringVar(&config.Addr, "addr", ":8080", "Server listen address")
	flag.Parse()

	// Load config file if specified
	if cfg, err := cfgPkg.LoadConfig(configPath); err == nil {
		if flag.Lookup("ollama-url").Value.String() != "" {
			cfg.LLM.BaseURL = config.BaseURL
		}

		config.BaseURL = cfg.LLM.BaseURL
		config.Model = cfg.LLM.Model
		config.MaxTokens = cfg.LLM.MaxTokens
		config.Temperature = *cfg.LLM.Temperature
		config.EmbeddingModel = cfg.Embedding.Model
		config.VectorDim = cfg.Embedding.VectorDim
		config.BatchSize = cfg.Embedding.BatchSize
		config.RateLimit = cfg.Embedding.RateLimit
		if cfg.Database.URL != "" {
			config.DBUrl = cfg.Database.URL
		}
		config.ChunkSize = cfg.Chunker.ChunkSize
		config.ChunkOverlap = *cfg.Chunker.ChunkOverlap
		config.PageWindow = cfg.Linker.PageWindow
		config.TopK = cfg.Chat.TopK
		config.Addr = cfg.Server.Addr
	}

	return config
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func run(config Config) error {
	ctx := context.Background()

	st, err := openStore(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %v", err)
	}
	defer st.Close()

	embedder, err := llm.NewOllamaEmbedder(llm.EmbedderConfig{
		Model:     config.EmbeddingModel,
		BaseURL:   config.BaseURL,
		BatchSize: config.BatchSize,
		VectorDim: config.VectorDim,
		RateLimit: config.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	model, err := llm.NewChatModel(llm.ChatConfig{
		Model:       config.Model,
		BaseURL:     config.BaseURL,
		MaxTokens:   config.MaxTokens,
		Temperature: config.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat model: %v", err)
	}

	ch, err := chunker.NewWithConfig(chunker.ChunkerConfig{
		ChunkSize:    config.ChunkSize,
		ChunkOverlap: config.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chunker: %v", err)
	}

	lk, err := linker.NewWithConfig(linker.LinkerConfig{PageWindow: config.PageWindow}, st)
	if err != nil {
		return fmt.Errorf("failed to initialize linker: %v", err)
	}

	pipe, err := pipeline.New(st, extractor.NewHTML(extractor.HTMLConfig{}), ch, embedder, lk)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %v", err)
	}

	ret, err := retriever.NewWithConfig(retriever.RetrieverConfig{TopK: config.TopK}, embedder, st)
	if err != nil {
		return fmt.Errorf("failed to initialize retriever: %v", err)
	}

	engine, err := chat.NewWithConfig(chat.EngineConfig{
		TopK:        config.TopK,
		MaxTokens:   config.MaxTokens,
		Temperature: config.Temperature,
	}, model, ret, st)
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	if config.Ingest != "" {
		if err := ingestAll(ctx, st, pipe, strings.Split(config.Ingest, ",")); err != nil {
			return err
		}
	}

	if config.Serve {
		return server.New(st, pipe, engine).ListenAndServe(config.Addr)
	}

	return chatLoop(ctx, st, pipe, engine)
}

func openStore(ctx context.Context, config Config) (types.Store, error) {
	if config.DBUrl == "" {
		color.Yellow("No database URL configured, running with the in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPG(ctx, store.PGConfig{
		ConnString: config.DBUrl,
		VectorDim:  config.VectorDim,
	})
}

func ingestAll(ctx context.Context, st types.Store, pipe *pipeline.Pipeline, sources []string) error {
	bar := getProgressBar(len(sources), "Ingesting documents...")

	for _, source := range sources {
		source = strings.TrimSpace(source)
		if source == "" {
			bar.Add(1)
			continue
		}

		doc := models.Document{ID: uuid.New().String(), Filename: source, Source: source}
		if err := st.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to create document for %s: %v", source, err)
		}
		if err := pipe.Process(ctx, doc.ID, source); err != nil {
			color.Red("\n✗ %s: %v", source, err)
			bar.Add(1)
			continue
		}

		done, err := st.GetDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		bar.Add(1)
		color.Green("\n✓ %s: %d pages, %d chunks, %d images, %d tables",
			source, done.TotalPages, done.ChunkCount, done.ImageCount, done.TableCount)
	}
	bar.Finish()
	fmt.Println()
	return nil
}

func chatLoop(ctx context.Context, st types.Store, pipe *pipeline.Pipeline, engine *chat.Engine) error {
	color.Cyan("\nChat with your documents (type 'exit' to quit, ':ingest <path|url>' to add one)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	var conversationID string

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.ToLower(query) == "exit" {
			break
		}
		if source, ok := strings.CutPrefix(query, ":ingest "); ok {
			if err := ingestAll(ctx, st, pipe, []string{strings.TrimSpace(source)}); err != nil {
				color.Red("Error: %v\n", err)
			}
			continue
		}

		spinner := getSpinner("Thinking...")
		started := time.Now()
		result, err := engine.Answer(ctx, query, conversationID, "")
		spinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error: %v\n", err)
			continue
		}
		conversationID = result.ConversationID

		assistantPrompt("Assistant: %s\n", result.Answer)
		printSources(result.Sources)
		color.HiBlack("(%.1fs)", time.Since(started).Seconds())
	}

	return nil
}

func printSources(sources []models.Source) {
	if len(sources) == 0 {
		return
	}
	color.HiBlack("Sources:")
	for _, src := range sources {
		switch src.Kind {
		case models.SourceImage:
			color.HiBlack("  - image p.%d %s (%s)", src.Page, src.Locator, src.Caption)
		case models.SourceTable:
			color.HiBlack("  - table p.%d %s (%s, %dx%d)", src.Page, src.Locator, src.Caption, src.Rows, src.Columns)
		default:
			color.HiBlack("  - text p.%d (%.2f) %s", src.Page, src.Score, src.Content)
		}
	}
}
