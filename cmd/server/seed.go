package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

type seedFile struct {
	Projects []seedProject `yaml:"projects"`
}

type seedProject struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Priority string            `yaml:"priority"`
	Schedule string            `yaml:"schedule"`
	Metadata map[string]string `yaml:"metadata"`
	Targets  []seedTarget      `yaml:"targets"`
}

type seedTarget struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// runSeed loads projects and their targets from a YAML file. Inserts are
// idempotent; rows that already exist are left untouched.
func runSeed(ctx context.Context, pool *pgxpool.Pool, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("seed file not found: %s", path)
		}
		return err
	}
	var doc seedFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	if len(doc.Projects) == 0 {
		return fmt.Errorf("no projects to seed in %s", path)
	}

	now := time.Now().UTC()
	for _, p := range doc.Projects {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: project without a name", domain.ErrInvalidArgument)
		}
		projectID := p.ID
		if projectID == "" {
			projectID = uuid.New().String()
		}
		priority := strings.ToUpper(strings.TrimSpace(p.Priority))
		if priority == "" {
			priority = string(domain.PriorityNormal)
		}
		var schedule *string
		if s := strings.TrimSpace(p.Schedule); s != "" {
			schedule = &s
		}
		_, err := pool.Exec(ctx,
			`INSERT INTO projects (id, name, status, priority, schedule, metadata, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
			 ON CONFLICT (id) DO NOTHING`,
			projectID, p.Name, domain.ProjectActive, priority, schedule, p.Metadata, now)
		if err != nil {
			return fmt.Errorf("op=seed.project %s: %w", p.Name, err)
		}

		for _, t := range p.Targets {
			if strings.TrimSpace(t.URL) == "" {
				return fmt.Errorf("%w: target without a url in project %s", domain.ErrInvalidArgument, p.Name)
			}
			targetID := t.ID
			if targetID == "" {
				targetID = uuid.New().String()
			}
			kind := strings.ToLower(strings.TrimSpace(t.Kind))
			if kind != string(domain.TargetProduct) && kind != string(domain.TargetCompetitor) {
				return fmt.Errorf("%w: unknown target kind %q in project %s", domain.ErrInvalidArgument, t.Kind, p.Name)
			}
			_, err := pool.Exec(ctx,
				`INSERT INTO targets (id, project_id, kind, name, url, created_at)
				 VALUES ($1,$2,$3,$4,$5,$6)
				 ON CONFLICT (id) DO NOTHING`,
				targetID, projectID, kind, t.Name, t.URL, now)
			if err != nil {
				return fmt.Errorf("op=seed.target %s: %w", t.URL, err)
			}
		}
		slog.Info("project seeded", slog.String("project_id", projectID),
			slog.String("name", p.Name), slog.Int("targets", len(p.Targets)))
	}
	return nil
}
