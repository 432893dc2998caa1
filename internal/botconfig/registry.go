// Package botconfig reads the bot registry: which bot slugs exist and how
// to obtain each bot's token.
package botconfig

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
	"github.com/unclebandit/shotqueue/internal/model"
)

// Bot is one registry entry. TokenEnv names an environment variable that
// takes precedence over an inline Token.
type Bot struct {
	Slug     string `yaml:"slug"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type file struct {
	Bots []Bot `yaml:"bots"`
}

// FileRegistry resolves credentials from a YAML file. The file is re-read
// on every lookup so token rotation only needs a cache invalidation.
type FileRegistry struct {
	Path string
}

func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{Path: path}
}

func (r *FileRegistry) load() ([]Bot, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("read bot registry: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return f.Bots, nil
}

func (r *FileRegistry) CredentialFor(_ context.Context, botSlug string) (model.Credential, error) {
	bots, err := r.load()
	if err != nil {
		return model.Credential{}, err
	}
	for _, b := range bots {
		if b.Slug != botSlug {
			continue
		}
		token := strings.TrimSpace(b.Token)
		if b.TokenEnv != "" {
			if v := strings.TrimSpace(os.Getenv(b.TokenEnv)); v != "" {
				token = v
			}
		}
		if token == "" {
			return model.Credential{}, appErrors.NewNotFound("bot token", botSlug)
		}
		return model.Credential{BotSlug: botSlug, Token: token}, nil
	}
	return model.Credential{}, appErrors.NewNotFound("bot", botSlug)
}

// Slugs lists the registered bots, sorted.
func (r *FileRegistry) Slugs() ([]string, error) {
	bots, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Slug)
	}
	sort.Strings(out)
	return out, nil
}
