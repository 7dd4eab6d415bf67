package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/state"
	"github.com/picklr-io/tierctl/providers/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// ClusterKubeconfig returns a loader that renders a kubeconfig for the
// cluster recorded under clusterID. Credentials come from the aws CLI exec
// plugin so tokens are refreshed by the client.
func ClusterKubeconfig(store state.Store, clusterID, region, profile string) kubernetes.KubeconfigLoader {
	return func(ctx context.Context) ([]byte, error) {
		rs, err := store.Get(ctx, clusterID)
		if err != nil {
			return nil, fmt.Errorf("failed to read cluster state: %w", err)
		}
		if rs == nil || rs.Handle == nil {
			return nil, fmt.Errorf("cluster %q has not been applied; set backend.kubeconfig or apply it first", clusterID)
		}
		cfg, err := eksKubeconfig(rs.Handle, region, profile)
		if err != nil {
			return nil, fmt.Errorf("cluster %q: %w", clusterID, err)
		}
		return clientcmd.Write(*cfg)
	}
}

func eksKubeconfig(h *ir.Handle, region, profile string) (*clientcmdapi.Config, error) {
	name := h.OutputString(ir.OutputName)
	endpoint := h.OutputString(ir.OutputEndpoint)
	if name == "" || endpoint == "" {
		return nil, fmt.Errorf("handle has no %s or %s output", ir.OutputName, ir.OutputEndpoint)
	}
	ca, err := base64.StdEncoding.DecodeString(h.OutputString(ir.OutputCertificateAuthority))
	if err != nil {
		return nil, fmt.Errorf("invalid certificate authority: %w", err)
	}
	if r := arnRegion(h.OutputString(ir.OutputARN)); r != "" {
		region = r
	}

	args := []string{"eks", "get-token", "--cluster-name", name}
	if region != "" {
		args = append(args, "--region", region)
	}
	var env []clientcmdapi.ExecEnvVar
	if profile != "" {
		env = append(env, clientcmdapi.ExecEnvVar{Name: "AWS_PROFILE", Value: profile})
	}

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[name] = &clientcmdapi.Cluster{
		Server:                   endpoint,
		CertificateAuthorityData: ca,
	}
	cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{
		Exec: &clientcmdapi.ExecConfig{
			APIVersion:      "client.authentication.k8s.io/v1beta1",
			Command:         "aws",
			Args:            args,
			Env:             env,
			InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
		},
	}
	cfg.Contexts[name] = &clientcmdapi.Context{Cluster: name, AuthInfo: name}
	cfg.CurrentContext = name
	return cfg, nil
}

// arnRegion extracts the region field of an ARN.
func arnRegion(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 {
		return ""
	}
	return parts[3]
}
