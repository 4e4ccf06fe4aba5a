package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to run the investigation agent.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	Observability ObservabilityConfig `yaml:"observability"`
	Scratchpad    ScratchpadConfig    `yaml:"scratchpad"`
	Compactor     CompactorConfig     `yaml:"compactor"`
	Memory        MemoryConfig        `yaml:"memory"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Infra         InfraConfig         `yaml:"infra"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	API           APIConfig           `yaml:"api"`
	Graph         GraphConfig         `yaml:"graph"`
	Skills        SkillsConfig        `yaml:"skills"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Cache         CacheConfig         `yaml:"cache"`
}

// ObservabilityConfig locates the backend serving the investigation tools.
type ObservabilityConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// APIConfig controls the agent's HTTP surface.
type APIConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// AgentConfig bounds the investigation loop.
type AgentConfig struct {
	MaxIterations       int           `yaml:"maxIterations"`
	MaxTriageIterations int           `yaml:"maxTriageIterations"`
	MaxHypothesisDepth  int           `yaml:"maxHypothesisDepth"`
	MaxQueriesPerBatch  int           `yaml:"maxQueriesPerBatch"`
	TokenBudget         int           `yaml:"tokenBudget"`
	ToolTimeout         time.Duration `yaml:"toolTimeout"`
}

// LLMConfig configures the chat-with-tools backend.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"apiKey"`
	BaseURL     string  `yaml:"baseURL"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

// ScratchpadConfig controls the append-only audit log and soft tool caps.
type ScratchpadConfig struct {
	Dir             string  `yaml:"dir"`
	ToolCallSoftCap int     `yaml:"toolCallSoftCap"`
	SimilarityWarn  float64 `yaml:"similarityWarn"`
}

// CompactorConfig tunes importance scoring and tier limits.
type CompactorConfig struct {
	Preset            string  `yaml:"preset"`
	MaxFullResults    int     `yaml:"maxFullResults"`
	MaxCompactResults int     `yaml:"maxCompactResults"`
	MinScoreForFull   float64 `yaml:"minScoreForFull"`
	MinScoreToKeep    float64 `yaml:"minScoreToKeep"`
}

// MemoryConfig controls structured finding persistence and extraction lexicons.
type MemoryConfig struct {
	Dir               string   `yaml:"dir"`
	RootCauseKeywords []string `yaml:"rootCauseKeywords"`
	SymptomKeywords   []string `yaml:"symptomKeywords"`
	EvidenceKeywords  []string `yaml:"evidenceKeywords"`
}

// KnowledgeConfig configures the knowledge search backend.
type KnowledgeConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"apiKey"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRunbooks    int           `yaml:"maxRunbooks"`
	MaxIssues      int           `yaml:"maxIssues"`
	MaxPostmortems int           `yaml:"maxPostmortems"`
	MinScore       float64       `yaml:"minScore"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
}

// InfraConfig bounds pre-flight infrastructure discovery.
type InfraConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"apiKey"`
	Regions           []string      `yaml:"regions"`
	Services          []string      `yaml:"services"`
	MaxConcurrency    int           `yaml:"maxConcurrency"`
	TimeoutPerService time.Duration `yaml:"timeoutPerService"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
}

// ApprovalConfig controls the mutation approval protocol.
type ApprovalConfig struct {
	AutoApprove  []string      `yaml:"autoApprove"`
	PendingDir   string        `yaml:"pendingDir"`
	AuditDir     string        `yaml:"auditDir"`
	Timeout      time.Duration `yaml:"timeout"`
	Cooldown     time.Duration `yaml:"cooldown"`
	OutOfBand    bool          `yaml:"outOfBand"`
	SlackWebhook string        `yaml:"slackWebhook"`
}

// WebhookConfig controls the signed interaction receiver.
type WebhookConfig struct {
	Port          int    `yaml:"port"`
	SigningSecret string `yaml:"signingSecret"`
}

// GraphConfig locates the persisted service dependency graph.
type GraphConfig struct {
	Path string `yaml:"path"`
}

// SkillsConfig locates declarative remediation recipes.
type SkillsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// CacheConfig controls Valkey-backed caching of knowledge and infra lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_AGENT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			MaxIterations:       15,
			MaxTriageIterations: 2,
			MaxHypothesisDepth:  4,
			MaxQueriesPerBatch:  5,
			TokenBudget:         24000,
			ToolTimeout:         30 * time.Second,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o",
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		Observability: ObservabilityConfig{
			Endpoint: "http://localhost:8080",
			Timeout:  10 * time.Second,
		},
		API: APIConfig{
			Address:         ":8085",
			GracefulTimeout: 10 * time.Second,
		},
		Scratchpad: ScratchpadConfig{
			Dir:             "data/scratchpad",
			ToolCallSoftCap: 8,
			SimilarityWarn:  0.8,
		},
		Compactor: CompactorConfig{
			Preset:            "balanced",
			MaxFullResults:    5,
			MaxCompactResults: 10,
			MinScoreForFull:   0.5,
			MinScoreToKeep:    0.2,
		},
		Memory: MemoryConfig{Dir: "data/investigations"},
		Knowledge: KnowledgeConfig{
			Timeout:        5 * time.Second,
			MaxRunbooks:    3,
			MaxIssues:      5,
			MaxPostmortems: 3,
			MinScore:       0.3,
			CacheTTL:       2 * time.Minute,
		},
		Infra: InfraConfig{
			Regions:           []string{"us-east-1"},
			MaxConcurrency:    4,
			TimeoutPerService: 10 * time.Second,
			CacheTTL:          5 * time.Minute,
		},
		Approval: ApprovalConfig{
			PendingDir: "data/approvals/pending",
			AuditDir:   "data/approvals",
			Timeout:    5 * time.Minute,
			Cooldown:   10 * time.Minute,
		},
		Webhook: WebhookConfig{Port: 3000},
		Graph:   GraphConfig{Path: "configs/service-graph.json"},
		Skills:  SkillsConfig{Dir: "configs/skills"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Metrics: MetricsConfig{Address: ":2112"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		cfg.Webhook.SigningSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Approval.SlackWebhook = v
		cfg.Approval.OutOfBand = true
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Webhook.Port = port
		}
	}
	if v := os.Getenv("PENDING_DIR"); v != "" {
		cfg.Approval.PendingDir = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Infra.Regions = []string{v}
	}
	if v := os.Getenv("MIRADOR_AGENT_CORE_URL"); v != "" {
		cfg.Observability.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_AGENT_INFRA_URL"); v != "" {
		cfg.Infra.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_AGENT_API_ADDRESS"); v != "" {
		cfg.API.Address = v
	}
	if v := os.Getenv("MIRADOR_AGENT_KNOWLEDGE_URL"); v != "" {
		cfg.Knowledge.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_AGENT_KNOWLEDGE_API_KEY"); v != "" {
		cfg.Knowledge.APIKey = v
	}
	if v := os.Getenv("MIRADOR_AGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_AGENT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_AGENT_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("MIRADOR_AGENT_GRAPH_PATH"); v != "" {
		cfg.Graph.Path = v
	}
	if v := os.Getenv("MIRADOR_AGENT_SKILLS_DIR"); v != "" {
		cfg.Skills.Dir = v
	}
	if v := os.Getenv("MIRADOR_AGENT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_AGENT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_AGENT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("MIRADOR_AGENT_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.TokenBudget = n
		}
	}
	if v := os.Getenv("MIRADOR_AGENT_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_AGENT_APPROVAL_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Cooldown = d
		}
	}
	if v := os.Getenv("MIRADOR_AGENT_AUTO_APPROVE"); v != "" {
		parts := strings.Split(v, ",")
		cfg.Approval.AutoApprove = cfg.Approval.AutoApprove[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Approval.AutoApprove = append(cfg.Approval.AutoApprove, strings.ToLower(p))
			}
		}
	}
}
