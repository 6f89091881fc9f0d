package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"questline/internal/readiness"
)

// Config models questline.yml: the team footprint, the seedable quest
// catalog, and webhook targets for the event log.
type Config struct {
	Team struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"team" json:"team"`
	Catalog struct {
		Quests map[string]QuestConfig `yaml:"quests" json:"quests"`
	} `yaml:"catalog" json:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// QuestConfig is one catalog entry as declared in YAML, keyed by quest key.
type QuestConfig struct {
	Title       string        `yaml:"title" json:"title"`
	Category    string        `yaml:"category" json:"category"`
	Description string        `yaml:"description" json:"description"`
	Detection   string        `yaml:"detection" json:"detection"`
	Languages   []string      `yaml:"languages,omitempty" json:"languages,omitempty"`
	Levels      []LevelConfig `yaml:"levels,omitempty" json:"levels,omitempty"`
}

type LevelConfig struct {
	Level       int     `yaml:"level" json:"level"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   string  `yaml:"condition" json:"condition"`
	Min         float64 `yaml:"min,omitempty" json:"min,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// QuestOptions converts a catalog entry into construction options for the
// readiness package.
func (q QuestConfig) QuestOptions(key string) readiness.QuestOptions {
	levels := make([]readiness.Level, 0, len(q.Levels))
	for _, lvl := range q.Levels {
		levels = append(levels, readiness.Level{
			Level:       lvl.Level,
			Description: lvl.Description,
			Condition: readiness.Condition{
				Type: readiness.ConditionType(lvl.Condition),
				Min:  lvl.Min,
			},
		})
	}
	return readiness.QuestOptions{
		Key:           key,
		Title:         q.Title,
		Category:      q.Category,
		Description:   q.Description,
		DetectionType: readiness.DetectionType(q.Detection),
		Languages:     q.Languages,
		Levels:        levels,
	}
}

// Validate ensures the config meets required structure. Full quest
// validation happens at seed time through readiness.NewQuest; this catches
// the structural mistakes early.
func (c *Config) Validate() error {
	if c.Team.ID == "" {
		return fmt.Errorf("config.team.id is required")
	}
	for key, quest := range c.Catalog.Quests {
		if key == "" {
			return fmt.Errorf("config.catalog.quests contains an empty quest key")
		}
		if quest.Title == "" {
			return fmt.Errorf("quest %s has no title", key)
		}
		if quest.Category == "" {
			return fmt.Errorf("quest %s has no category", key)
		}
		switch quest.Detection {
		case "auto", "manual", "both":
		default:
			return fmt.Errorf("quest %s has unknown detection %q", key, quest.Detection)
		}
		for _, lvl := range quest.Levels {
			if lvl.Level < 1 {
				return fmt.Errorf("quest %s has level %d; levels start at 1", key, lvl.Level)
			}
			switch lvl.Condition {
			case "pass", "exists", "count", "score":
			default:
				return fmt.Errorf("quest %s level %d has unknown condition %q", key, lvl.Level, lvl.Condition)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has no url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "questline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ql init or provide --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a team.
func Default(teamID string) *Config {
	var cfg Config
	cfg.Team.ID = teamID
	cfg.Team.Name = teamID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, teamID, teamID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(teamID string) string {
	return fmt.Sprintf(defaultTemplate, teamID, teamID)
}

const defaultTemplate = `team:
  id: %s
  name: %s

catalog:
  quests:
    docs.agents_md_present:
      title: "AGENTS.md present"
      category: docs
      description: "Repository documents agent workflows and conventions in an AGENTS.md file"
      detection: auto
      levels:
        - level: 1
          condition: pass

    docs.contributing_present:
      title: "Contribution guide present"
      category: docs
      description: "Repository has a CONTRIBUTING file describing how to propose changes"
      detection: auto
      levels:
        - level: 1
          condition: exists

    ci.coverage_threshold:
      title: "Coverage threshold met"
      category: ci
      description: "Line coverage reported by CI meets the project thresholds"
      detection: auto
      levels:
        - level: 1
          description: "Coverage at or above 50%%"
          condition: score
          min: 50
        - level: 2
          description: "Coverage at or above 80%%"
          condition: score
          min: 80

    tests.automated_present:
      title: "Automated tests present"
      category: tests
      description: "Repository carries automated tests that run in CI"
      detection: auto
      levels:
        - level: 1
          condition: count
          min: 1
        - level: 2
          description: "Broad suite"
          condition: count
          min: 25

    lint.clean:
      title: "Linter clean"
      category: ci
      description: "Static analysis runs in CI and reports no findings"
      detection: auto
      levels:
        - level: 1
          condition: pass

    go.modules_tidy:
      title: "Go modules tidy"
      category: build
      description: "go.mod and go.sum are present and tidy"
      detection: auto
      languages: [go]
      levels:
        - level: 1
          condition: pass

    process.agent_review:
      title: "Agent change review process"
      category: process
      description: "Team reviewed and signed off the process for agent-authored changes"
      detection: manual

    docs.architecture_notes:
      title: "Architecture notes"
      category: docs
      description: "Repository explains its structure well enough for an agent to navigate it"
      detection: both
      levels:
        - level: 1
          condition: exists
`
