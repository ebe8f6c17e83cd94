// Package provision makes sure the target store has the index template,
// ingest pipeline, indices and aliases the loader relies on. Every step is
// idempotent, so it runs once at the start of every pipeline run.
package provision

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/elastic"
)

//go:embed assets/*.json
var assets embed.FS

const (
	templateFile = "index-template.json"
	pipelineFile = "ingest-pipeline.json"
)

// Store is the provisioning surface of the target store.
type Store interface {
	PutIndexTemplate(ctx context.Context, name string, body json.RawMessage) error
	PutIngestPipeline(ctx context.Context, name string, body json.RawMessage) error
	CreateIndex(ctx context.Context, name string) (bool, error)
	UpdateAliases(ctx context.Context, body any) error
	Health(ctx context.Context) (elastic.Health, error)
}

type Options struct {
	TemplateName string
	PipelineName string
	WriteIndex   string
	ArchiveIndex string
	Alias        string
	// AssetsDir, when set, overrides the embedded JSON bodies with files of
	// the same name.
	AssetsDir string
}

type Provisioner struct {
	store Store
	opts  Options
}

func New(store Store, opts Options) *Provisioner {
	return &Provisioner{store: store, opts: opts}
}

// Apply provisions template, pipeline, indices and aliases, then reports
// cluster health.
func (p *Provisioner) Apply(ctx context.Context) error {
	log := zap.L().With(zap.String("alias", p.opts.Alias), zap.String("write_index", p.opts.WriteIndex))

	template, err := p.asset(templateFile)
	if err != nil {
		return err
	}
	if err := p.store.PutIndexTemplate(ctx, p.opts.TemplateName, template); err != nil {
		return fmt.Errorf("provision template: %w", err)
	}
	log.Info("index template applied", zap.String("template", p.opts.TemplateName))

	pipeline, err := p.asset(pipelineFile)
	if err != nil {
		return err
	}
	if err := p.store.PutIngestPipeline(ctx, p.opts.PipelineName, pipeline); err != nil {
		return fmt.Errorf("provision pipeline: %w", err)
	}
	log.Info("ingest pipeline applied", zap.String("pipeline", p.opts.PipelineName))

	for _, idx := range []string{p.opts.WriteIndex, p.opts.ArchiveIndex} {
		if idx == "" {
			continue
		}
		created, err := p.store.CreateIndex(ctx, idx)
		if err != nil {
			return fmt.Errorf("provision index: %w", err)
		}
		log.Info("index ready", zap.String("index", idx), zap.Bool("created", created))
	}

	if p.opts.Alias != "" {
		if err := p.store.UpdateAliases(ctx, p.aliasActions()); err != nil {
			return fmt.Errorf("provision aliases: %w", err)
		}
		log.Info("aliases applied")
	}

	h, err := p.store.Health(ctx)
	if err != nil {
		return fmt.Errorf("provision health check: %w", err)
	}
	log.Info("cluster health",
		zap.String("status", h.Status),
		zap.Int("number_of_nodes", h.NumberOfNodes),
		zap.Int("active_shards", h.ActiveShards),
	)
	return nil
}

type aliasAdd struct {
	Index        string `json:"index"`
	Alias        string `json:"alias"`
	IsWriteIndex bool   `json:"is_write_index"`
}

type aliasAction struct {
	Add aliasAdd `json:"add"`
}

// aliasActions makes the write index the alias' write target and attaches
// the archive index for reads.
func (p *Provisioner) aliasActions() map[string][]aliasAction {
	actions := []aliasAction{{Add: aliasAdd{Index: p.opts.WriteIndex, Alias: p.opts.Alias, IsWriteIndex: true}}}
	if p.opts.ArchiveIndex != "" {
		actions = append(actions, aliasAction{Add: aliasAdd{Index: p.opts.ArchiveIndex, Alias: p.opts.Alias}})
	}
	return map[string][]aliasAction{"actions": actions}
}

func (p *Provisioner) asset(name string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if p.opts.AssetsDir != "" {
		data, err = os.ReadFile(filepath.Join(p.opts.AssetsDir, name))
	} else {
		data, err = assets.ReadFile("assets/" + name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading asset %s: %w", name, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("asset %s is not valid JSON", name)
	}
	return data, nil
}
