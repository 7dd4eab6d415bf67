package provider

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"
)

type recordingBackend struct {
	name  string
	calls []string
}

func (b *recordingBackend) CreateOrUpdate(_ context.Context, req *ir.Request) (*ir.Handle, error) {
	b.calls = append(b.calls, "apply:"+req.ID)
	return &ir.Handle{ID: b.name + "/" + req.ID}, nil
}

func (b *recordingBackend) Delete(_ context.Context, req *ir.Request) error {
	b.calls = append(b.calls, "delete:"+req.ID)
	return nil
}

func TestRegistry_RoutesByKind(t *testing.T) {
	r := NewRegistry()
	cloud := &recordingBackend{name: "cloud"}
	cluster := &recordingBackend{name: "cluster"}
	require.NoError(t, r.Register("cloud", cloud, ir.KindNetwork, ir.KindCluster))
	require.NoError(t, r.Register("cluster", cluster, ir.KindNamespace))

	h, err := r.CreateOrUpdate(context.Background(), &ir.Request{ID: "vpc", Kind: ir.KindNetwork})
	require.NoError(t, err)
	assert.Equal(t, "cloud/vpc", h.ID)

	require.NoError(t, r.Delete(context.Background(), &ir.Request{ID: "ns", Kind: ir.KindNamespace}))

	assert.Equal(t, []string{"apply:vpc"}, cloud.calls)
	assert.Equal(t, []string{"delete:ns"}, cluster.calls)
	assert.Equal(t, []string{"cloud", "cluster"}, r.Providers())

	name, _, err := r.Route(ir.KindCluster)
	require.NoError(t, err)
	assert.Equal(t, "cloud", name)
}

func TestRegistry_UnroutedKindIsPermanent(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateOrUpdate(context.Background(), &ir.Request{ID: "t", Kind: ir.KindTable})
	require.Error(t, err)
	assert.True(t, ir.IsPermanent(err))

	err = r.Delete(context.Background(), &ir.Request{ID: "t", Kind: ir.KindTable})
	assert.True(t, ir.IsPermanent(err))
}

func TestRegistry_RegisterConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", &recordingBackend{}, ir.KindRole))

	err := r.Register("a", &recordingBackend{})
	assert.ErrorContains(t, err, "already registered")

	err = r.Register("b", &recordingBackend{}, ir.KindRole)
	assert.ErrorContains(t, err, "already routed")

	_, err = r.Get("b")
	assert.ErrorContains(t, err, "not loaded")
}

func TestFromConfig_NullMode(t *testing.T) {
	r, err := FromConfig(context.Background(), ir.BackendConfig{}, state.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, []string{"null"}, r.Providers())

	for _, kind := range ir.Kinds {
		name, _, err := r.Route(kind)
		require.NoError(t, err)
		assert.Equal(t, "null", name)
	}

	h, err := r.CreateOrUpdate(context.Background(), &ir.Request{ID: "table", Kind: ir.KindTable, Properties: map[string]any{"name": "messages"}})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
}

func TestFromConfig_UnknownMode(t *testing.T) {
	_, err := FromConfig(context.Background(), ir.BackendConfig{Mode: "mock"}, nil)
	assert.ErrorContains(t, err, "unknown backend mode")
}

func TestLoadProvider_Unknown(t *testing.T) {
	err := NewRegistry().LoadProvider(context.Background(), "docker", ir.BackendConfig{}, nil)
	assert.ErrorContains(t, err, "unknown provider")
}

func TestClusterKubeconfig(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &ir.ResourceState{
		ID:     "cluster",
		Kind:   ir.KindCluster,
		Status: ir.StatusApplied,
		Handle: &ir.Handle{ID: "ekshandson", Outputs: map[string]any{
			ir.OutputName:                 "ekshandson",
			ir.OutputARN:                  "arn:aws:eks:eu-west-1:123456789012:cluster/ekshandson",
			ir.OutputEndpoint:             "https://ABC.gr7.eu-west-1.eks.amazonaws.com",
			ir.OutputCertificateAuthority: base64.StdEncoding.EncodeToString([]byte("ca-bytes")),
		}},
		UpdatedAt: time.Now().UTC(),
	}))

	data, err := ClusterKubeconfig(store, "cluster", "us-east-1", "dev")(ctx)
	require.NoError(t, err)

	cfg, err := clientcmd.Load(data)
	require.NoError(t, err)
	assert.Equal(t, "ekshandson", cfg.CurrentContext)
	require.Contains(t, cfg.Clusters, "ekshandson")
	assert.Equal(t, "https://ABC.gr7.eu-west-1.eks.amazonaws.com", cfg.Clusters["ekshandson"].Server)
	assert.Equal(t, []byte("ca-bytes"), cfg.Clusters["ekshandson"].CertificateAuthorityData)

	exec := cfg.AuthInfos["ekshandson"].Exec
	require.NotNil(t, exec)
	assert.Equal(t, "aws", exec.Command)
	assert.Equal(t, []string{"eks", "get-token", "--cluster-name", "ekshandson", "--region", "eu-west-1"}, exec.Args)
	require.Len(t, exec.Env, 1)
	assert.Equal(t, "AWS_PROFILE", exec.Env[0].Name)
}

func TestClusterKubeconfig_NotApplied(t *testing.T) {
	_, err := ClusterKubeconfig(state.NewMemoryStore(), "cluster", "us-east-1", "")(context.Background())
	assert.ErrorContains(t, err, "has not been applied")
}

func TestClusterKubeconfig_MissingOutputs(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), &ir.ResourceState{
		ID: "cluster", Kind: ir.KindCluster, Handle: &ir.Handle{ID: "c"},
	}))
	_, err := ClusterKubeconfig(store, "cluster", "", "")(context.Background())
	assert.ErrorContains(t, err, "no name or endpoint output")
}

func TestArnRegion(t *testing.T) {
	assert.Equal(t, "us-west-2", arnRegion("arn:aws:eks:us-west-2:1:cluster/x"))
	assert.Equal(t, "", arnRegion("not-an-arn"))
}
