package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		BaseURL   string `yaml:"base_url"`
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max_tokens"`
		// Pointer so an explicit 0 in the file survives defaulting.
		Temperature *float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Embedding struct {
		Model     string  `yaml:"model"`
		BaseURL   string  `yaml:"base_url"`
		BatchSize int     `yaml:"batch_size"`
		VectorDim int     `yaml:"vector_dim"`
		RateLimit float64 `yaml:"rate_limit"`
	} `yaml:"embedding"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Chunker struct {
		ChunkSize    int  `yaml:"chunk_size"`
		ChunkOverlap *int `yaml:"chunk_overlap"`
	} `yaml:"chunker"`

	Linker struct {
		PageWindow int `yaml:"page_window"`
	} `yaml:"linker"`

	Chat struct {
		TopK         int `yaml:"top_k"`
		HistoryTurns int `yaml:"history_turns"`
		MaxImages    int `yaml:"max_images"`
		MaxTables    int `yaml:"max_tables"`
	} `yaml:"chat"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/papyrus/config.yaml"),
			"/etc/papyrus/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 1000
	}
	if config.LLM.Temperature == nil {
		temp := 0.7
		config.LLM.Temperature = &temp
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text"
	}
	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 100
	}
	if config.Embedding.VectorDim == 0 {
		config.Embedding.VectorDim = 768
	}
	if config.Embedding.RateLimit == 0 {
		config.Embedding.RateLimit = 2.0
	}

	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 1000
	}
	if config.Chunker.ChunkOverlap == nil {
		overlap := 200
		config.Chunker.ChunkOverlap = &overlap
	}

	if config.Chat.TopK == 0 {
		config.Chat.TopK = 5
	}
	if config.Chat.HistoryTurns == 0 {
		config.Chat.HistoryTurns = 5
	}
	if config.Chat.MaxImages == 0 {
		config.Chat.MaxImages = 3
	}
	if config.Chat.MaxTables == 0 {
		config.Chat.MaxTables = 2
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
}
