package helm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/providers/kubernetes"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/repo"
	"helm.sh/helm/v3/pkg/storage/driver"
)

// ActionReleaser runs Helm actions with release records stored as secrets
// in each release's namespace.
type ActionReleaser struct {
	kubeconfig kubernetes.KubeconfigLoader
	context    string

	// configure and loadChart are replaced in tests.
	configure func(ctx context.Context, namespace string) (*action.Configuration, error)
	loadChart func(repoURL, chartName, version string) (*chart.Chart, error)

	mu     sync.Mutex
	cached []byte
}

func NewActionReleaser(kubeconfig kubernetes.KubeconfigLoader, kubeContext string) *ActionReleaser {
	if kubeconfig == nil {
		kubeconfig = kubernetes.FileKubeconfig("")
	}
	r := &ActionReleaser{kubeconfig: kubeconfig, context: kubeContext}
	r.configure = r.actionConfig
	r.loadChart = fetchChart
	return r
}

func (r *ActionReleaser) actionConfig(ctx context.Context, namespace string) (*action.Configuration, error) {
	r.mu.Lock()
	if r.cached == nil {
		data, err := r.kubeconfig(ctx)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.cached = data
	}
	data := r.cached
	r.mu.Unlock()

	restGetter, err := kubernetes.NewRESTClientGetter(data, r.context, namespace)
	if err != nil {
		return nil, err
	}
	cfg := new(action.Configuration)
	if err := cfg.Init(restGetter, namespace, "secret", func(format string, v ...interface{}) {
		logging.Debug(fmt.Sprintf(format, v...), "component", "helm")
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize helm action config: %w", err)
	}
	return cfg, nil
}

// Upsert installs the release, or upgrades it when a deployed revision
// exists. A release whose only revisions failed is replaced.
func (r *ActionReleaser) Upsert(ctx context.Context, spec ReleaseSpec) (*Release, error) {
	cfg, err := r.configure(ctx, spec.Namespace)
	if err != nil {
		return nil, err
	}

	history := action.NewHistory(cfg)
	history.Max = 1
	revisions, err := history.Run(spec.Name)
	if err != nil && !errors.Is(err, driver.ErrReleaseNotFound) {
		return nil, fmt.Errorf("failed to read release history: %w", err)
	}

	ch, err := r.loadChart(spec.Repo, spec.Chart, spec.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart: %w", err)
	}

	var rel *release.Release
	if hasDeployed(revisions) {
		upgrade := action.NewUpgrade(cfg)
		upgrade.Namespace = spec.Namespace
		upgrade.Version = spec.Version
		upgrade.Wait = spec.Wait
		upgrade.Timeout = spec.Timeout
		upgrade.ReuseValues = false
		rel, err = upgrade.RunWithContext(ctx, spec.Name, ch, spec.Values)
	} else {
		install := action.NewInstall(cfg)
		install.ReleaseName = spec.Name
		install.Namespace = spec.Namespace
		install.CreateNamespace = spec.CreateNamespace
		install.Version = spec.Version
		install.Wait = spec.Wait
		install.Timeout = spec.Timeout
		install.Replace = len(revisions) > 0
		rel, err = install.RunWithContext(ctx, ch, spec.Values)
	}
	if err != nil {
		return nil, err
	}
	return fromRelease(rel), nil
}

func (r *ActionReleaser) Uninstall(ctx context.Context, name, namespace string, timeout time.Duration) error {
	cfg, err := r.configure(ctx, namespace)
	if err != nil {
		return err
	}
	uninstall := action.NewUninstall(cfg)
	uninstall.Wait = true
	uninstall.Timeout = timeout
	uninstall.IgnoreNotFound = true

	if _, err := uninstall.Run(name); err != nil && !errors.Is(err, driver.ErrReleaseNotFound) {
		return err
	}
	return nil
}

func hasDeployed(revisions []*release.Release) bool {
	for _, rel := range revisions {
		if rel.Info != nil && rel.Info.Status != release.StatusUninstalled && rel.Info.Status != release.StatusFailed {
			return true
		}
	}
	return false
}

func fromRelease(rel *release.Release) *Release {
	out := &Release{Name: rel.Name, Namespace: rel.Namespace, Revision: rel.Version}
	if rel.Info != nil {
		out.Status = rel.Info.Status.String()
	}
	if rel.Chart != nil && rel.Chart.Metadata != nil {
		out.ChartVersion = rel.Chart.Metadata.Version
		out.AppVersion = rel.Chart.Metadata.AppVersion
	}
	return out
}

// fetchChart downloads a chart from a repository, or loads a local chart
// when no repository is given.
func fetchChart(repoURL, chartName, version string) (*chart.Chart, error) {
	if repoURL == "" {
		return loader.Load(chartName)
	}

	chartPath, err := repo.FindChartInRepoURL(
		repoURL,
		chartName,
		version,
		"", "", "",
		getter.All(cli.New()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find chart %s in repo %s: %w", chartName, repoURL, err)
	}
	defer func() {
		_ = os.Remove(chartPath)
	}()

	return loader.Load(chartPath)
}
