// Package helm installs and upgrades chart releases for HelmRelease
// descriptors.
package helm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

// Kinds lists the kinds this provider manages.
var Kinds = []ir.Kind{ir.KindHelmRelease}

const DefaultTimeout = 10 * time.Minute

// ReleaseConfig is the property shape of a HelmRelease descriptor.
type ReleaseConfig struct {
	Name            string         `json:"name"`
	Namespace       string         `json:"namespace"`
	Chart           string         `json:"chart"`
	Repo            string         `json:"repo"`
	Version         string         `json:"version"`
	Values          map[string]any `json:"values"`
	CreateNamespace *bool          `json:"createNamespace"`
	Wait            *bool          `json:"wait"`
	Timeout         string         `json:"timeout"`
}

// ReleaseSpec is a validated release request.
type ReleaseSpec struct {
	Name            string
	Namespace       string
	Chart           string
	Repo            string
	Version         string
	Values          map[string]any
	CreateNamespace bool
	Wait            bool
	Timeout         time.Duration
}

// Release describes an installed release revision.
type Release struct {
	Name         string
	Namespace    string
	Revision     int
	Status       string
	ChartVersion string
	AppVersion   string
}

// Releaser performs release operations against a cluster.
type Releaser interface {
	Upsert(ctx context.Context, spec ReleaseSpec) (*Release, error)
	Uninstall(ctx context.Context, name, namespace string, timeout time.Duration) error
}

type Provider struct {
	releaser Releaser
}

func New(releaser Releaser) *Provider {
	return &Provider{releaser: releaser}
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	spec, err := releaseSpec(req)
	if err != nil {
		return nil, err
	}

	logging.Info("installing or upgrading release", "id", req.ID, "release", spec.Name, "namespace", spec.Namespace, "chart", spec.Chart, "version", spec.Version)
	rel, err := p.releaser.Upsert(ctx, spec)
	if err != nil {
		return nil, classify(fmt.Errorf("release %s/%s: %w", spec.Namespace, spec.Name, err))
	}

	return &ir.Handle{
		ID: rel.Namespace + "/" + rel.Name,
		Outputs: map[string]any{
			ir.OutputName:      rel.Name,
			ir.OutputNamespace: rel.Namespace,
			ir.OutputRevision:  rel.Revision,
			"status":           rel.Status,
			"chartVersion":     rel.ChartVersion,
			"appVersion":       rel.AppVersion,
		},
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req *ir.Request) error {
	spec, err := releaseSpec(req)
	if err != nil {
		return err
	}
	if req.Prior != nil {
		if name, ok := req.Prior.Outputs[ir.OutputName].(string); ok && name != "" {
			spec.Name = name
		}
		if ns, ok := req.Prior.Outputs[ir.OutputNamespace].(string); ok && ns != "" {
			spec.Namespace = ns
		}
	}

	logging.Info("uninstalling release", "id", req.ID, "release", spec.Name, "namespace", spec.Namespace)
	if err := p.releaser.Uninstall(ctx, spec.Name, spec.Namespace, spec.Timeout); err != nil {
		return classify(fmt.Errorf("release %s/%s: %w", spec.Namespace, spec.Name, err))
	}
	return nil
}

func releaseSpec(req *ir.Request) (ReleaseSpec, error) {
	if req.Kind != ir.KindHelmRelease {
		return ReleaseSpec{}, ir.Permanent(fmt.Errorf("helm provider does not manage kind %s", req.Kind))
	}

	var cfg ReleaseConfig
	raw, err := json.Marshal(ir.NormalizeValue(req.Properties))
	if err == nil {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return ReleaseSpec{}, ir.Permanent(fmt.Errorf("%s: invalid release properties: %w", req.ID, err))
	}

	spec := ReleaseSpec{
		Name:            cfg.Name,
		Namespace:       cfg.Namespace,
		Chart:           cfg.Chart,
		Repo:            cfg.Repo,
		Version:         cfg.Version,
		Values:          ir.CopyProperties(cfg.Values),
		CreateNamespace: cfg.CreateNamespace == nil || *cfg.CreateNamespace,
		Wait:            cfg.Wait == nil || *cfg.Wait,
		Timeout:         DefaultTimeout,
	}
	if spec.Name == "" {
		spec.Name = req.ID
	}
	if spec.Namespace == "" {
		spec.Namespace = "default"
	}
	if spec.Values == nil {
		spec.Values = map[string]any{}
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return ReleaseSpec{}, ir.Permanent(fmt.Errorf("%s: invalid timeout %q", req.ID, cfg.Timeout))
		}
		spec.Timeout = d
	}
	if spec.Chart == "" {
		return ReleaseSpec{}, ir.Permanent(fmt.Errorf("%s: chart is required", req.ID))
	}
	return spec, nil
}

// classify marks errors Helm reports for a release locked by another
// operation as retryable. Chart and values errors are left to the engine's
// message heuristics.
func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "another operation (install/upgrade/rollback) is in progress"):
		return ir.Transient(err)
	case strings.Contains(msg, "chart requires kubeVersion"),
		strings.Contains(msg, "values don't meet the specifications"),
		strings.Contains(msg, "not found in") && strings.Contains(msg, "repository"):
		return ir.Permanent(err)
	}
	return err
}
