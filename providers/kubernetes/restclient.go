package kubernetes

import (
	"context"
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// KubeconfigLoader returns kubeconfig bytes. Providers call it on first use,
// after the cluster it points at may have been created in the same run.
type KubeconfigLoader func(ctx context.Context) ([]byte, error)

// FileKubeconfig loads path, or the default loading rules (KUBECONFIG, then
// ~/.kube/config) when path is empty.
func FileKubeconfig(path string) KubeconfigLoader {
	return func(context.Context) ([]byte, error) {
		if path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read kubeconfig: %w", err)
			}
			return data, nil
		}
		cfg, err := clientcmd.NewDefaultClientConfigLoadingRules().Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return clientcmd.Write(*cfg)
	}
}

// RESTClientGetter serves REST configuration from kubeconfig bytes with an
// optional context and default namespace. It satisfies the getter interface
// Helm's action configuration expects.
type RESTClientGetter struct {
	config     *clientcmdapi.Config
	context    string
	namespace  string
	restConfig *rest.Config
}

func NewRESTClientGetter(kubeconfig []byte, kubeContext, namespace string) (*RESTClientGetter, error) {
	cfg, err := clientcmd.Load(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kubeconfig: %w", err)
	}
	return &RESTClientGetter{
		config:    cfg,
		context:   kubeContext,
		namespace: namespace,
	}, nil
}

func (g *RESTClientGetter) ToRESTConfig() (*rest.Config, error) {
	if g.restConfig != nil {
		return g.restConfig, nil
	}
	cfg, err := g.ToRawKubeConfigLoader().ClientConfig()
	if err != nil {
		return nil, err
	}
	g.restConfig = cfg
	return cfg, nil
}

func (g *RESTClientGetter) ToDiscoveryClient() (discovery.CachedDiscoveryInterface, error) {
	restConfig, err := g.ToRESTConfig()
	if err != nil {
		return nil, err
	}
	dc, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, err
	}
	return memory.NewMemCacheClient(dc), nil
}

func (g *RESTClientGetter) ToRESTMapper() (meta.RESTMapper, error) {
	dc, err := g.ToDiscoveryClient()
	if err != nil {
		return nil, err
	}
	return restmapper.NewDeferredDiscoveryRESTMapper(dc), nil
}

func (g *RESTClientGetter) ToRawKubeConfigLoader() clientcmd.ClientConfig {
	overrides := &clientcmd.ConfigOverrides{CurrentContext: g.context}
	overrides.Context.Namespace = g.namespace
	return clientcmd.NewNonInteractiveClientConfig(*g.config, g.context, overrides, nil)
}
