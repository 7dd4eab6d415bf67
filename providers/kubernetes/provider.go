// Package kubernetes applies manifest-shaped descriptors to a cluster
// through the dynamic client.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// Kinds lists the kinds this provider manages.
var Kinds = []ir.Kind{ir.KindNamespace, ir.KindServiceAccount, ir.KindWorkload, ir.KindService, ir.KindIngress}

// OutputAddress carries the load balancer hostname of a Service or Ingress
// once the cluster has assigned one.
const OutputAddress = "address"

// kindGVK maps each descriptor kind to the object it is rendered as.
var kindGVK = map[ir.Kind]schema.GroupVersionKind{
	ir.KindNamespace:      {Version: "v1", Kind: "Namespace"},
	ir.KindServiceAccount: {Version: "v1", Kind: "ServiceAccount"},
	ir.KindWorkload:       {Group: "apps", Version: "v1", Kind: "Deployment"},
	ir.KindService:        {Version: "v1", Kind: "Service"},
	ir.KindIngress:        {Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"},
}

type Options struct {
	// Kubeconfig supplies the cluster credentials; nil reads the default
	// kubeconfig.
	Kubeconfig KubeconfigLoader
	Context    string
}

type Provider struct {
	mapper meta.RESTMapper

	mu      sync.Mutex
	client  dynamic.Interface
	connect func(ctx context.Context) (dynamic.Interface, error)
}

// New returns a provider that connects on first use, so planning and
// null-mode runs never need a reachable cluster.
func New(opts Options) *Provider {
	load := opts.Kubeconfig
	if load == nil {
		load = FileKubeconfig("")
	}
	return &Provider{
		mapper: NewRESTMapper(),
		connect: func(ctx context.Context) (dynamic.Interface, error) {
			kubeconfig, err := load(ctx)
			if err != nil {
				return nil, err
			}
			getter, err := NewRESTClientGetter(kubeconfig, opts.Context, "")
			if err != nil {
				return nil, err
			}
			restConfig, err := getter.ToRESTConfig()
			if err != nil {
				return nil, fmt.Errorf("failed to create REST config: %w", err)
			}
			client, err := dynamic.NewForConfig(restConfig)
			if err != nil {
				return nil, fmt.Errorf("failed to create dynamic client: %w", err)
			}
			return client, nil
		},
	}
}

// NewWithClient builds a provider around an existing dynamic client.
func NewWithClient(client dynamic.Interface) *Provider {
	return &Provider{mapper: NewRESTMapper(), client: client}
}

// NewRESTMapper knows the handful of resources the stack renders. A static
// mapper avoids a discovery round trip per run.
func NewRESTMapper() meta.RESTMapper {
	var versions []schema.GroupVersion
	seen := make(map[schema.GroupVersion]bool)
	for _, gvk := range kindGVK {
		if gv := gvk.GroupVersion(); !seen[gv] {
			seen[gv] = true
			versions = append(versions, gv)
		}
	}
	mapper := meta.NewDefaultRESTMapper(versions)
	for kind, gvk := range kindGVK {
		scope := meta.RESTScopeNamespace
		if kind == ir.KindNamespace {
			scope = meta.RESTScopeRoot
		}
		mapper.Add(gvk, scope)
	}
	return mapper
}

func (p *Provider) dynamicClient(ctx context.Context) (dynamic.Interface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	if p.connect == nil {
		return nil, ir.Permanent(fmt.Errorf("no Kubernetes client configured"))
	}
	client, err := p.connect(ctx)
	if err != nil {
		return nil, ir.Permanent(err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	obj, err := manifest(req)
	if err != nil {
		return nil, err
	}
	ri, err := p.resource(ctx, obj)
	if err != nil {
		return nil, err
	}

	logging.Debug("kubernetes apply", "id", req.ID, "kind", obj.GetKind(), "namespace", obj.GetNamespace(), "name", obj.GetName())

	existing, err := ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
	var applied *unstructured.Unstructured
	switch {
	case apierrors.IsNotFound(err):
		applied, err = ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: fieldManager})
		if err != nil {
			return nil, classify(fmt.Errorf("failed to create %s %s: %w", obj.GetKind(), objectKey(obj), err))
		}
	case err != nil:
		return nil, classify(fmt.Errorf("failed to get %s %s: %w", obj.GetKind(), objectKey(obj), err))
	default:
		obj.SetResourceVersion(existing.GetResourceVersion())
		preserveAssigned(obj, existing)
		applied, err = ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: fieldManager})
		if err != nil {
			return nil, classify(fmt.Errorf("failed to update %s %s: %w", obj.GetKind(), objectKey(obj), err))
		}
	}

	return handleFor(applied), nil
}

func (p *Provider) Delete(ctx context.Context, req *ir.Request) error {
	obj, err := manifest(req)
	if err != nil {
		return err
	}
	if req.Prior != nil {
		if name, ok := req.Prior.Outputs[ir.OutputName].(string); ok && name != "" {
			obj.SetName(name)
		}
		if ns, ok := req.Prior.Outputs[ir.OutputNamespace].(string); ok && ns != "" {
			obj.SetNamespace(ns)
		}
	}
	ri, err := p.resource(ctx, obj)
	if err != nil {
		return err
	}

	logging.Debug("kubernetes delete", "id", req.ID, "kind", obj.GetKind(), "namespace", obj.GetNamespace(), "name", obj.GetName())

	propagation := metav1.DeletePropagationBackground
	err = ri.Delete(ctx, obj.GetName(), metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify(fmt.Errorf("failed to delete %s %s: %w", obj.GetKind(), objectKey(obj), err))
	}
	return nil
}

// resource resolves the dynamic client for obj, defaulting the namespace of
// namespaced objects.
func (p *Provider) resource(ctx context.Context, obj *unstructured.Unstructured) (dynamic.ResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := p.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, ir.Permanent(fmt.Errorf("failed to get REST mapping for %v: %w", gvk, err))
	}

	client, err := p.dynamicClient(ctx)
	if err != nil {
		return nil, err
	}

	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		if obj.GetNamespace() == "" {
			obj.SetNamespace(metav1.NamespaceDefault)
		}
		return client.Resource(mapping.Resource).Namespace(obj.GetNamespace()), nil
	}
	obj.SetNamespace("")
	return client.Resource(mapping.Resource), nil
}

const fieldManager = "tierctl"

// manifest builds the object for a request. apiVersion and kind default
// from the descriptor kind; a conflicting kind is rejected.
func manifest(req *ir.Request) (*unstructured.Unstructured, error) {
	want, ok := kindGVK[req.Kind]
	if !ok {
		return nil, ir.Permanent(fmt.Errorf("kubernetes provider does not manage kind %s", req.Kind))
	}

	props := ir.CopyProperties(req.Properties)
	if props == nil {
		props = make(map[string]any)
	}
	if _, ok := props["apiVersion"]; !ok {
		props["apiVersion"] = want.GroupVersion().String()
	}
	if _, ok := props["kind"]; !ok {
		props["kind"] = want.Kind
	}

	raw, err := json.Marshal(props)
	if err != nil {
		return nil, ir.Permanent(fmt.Errorf("%s: failed to marshal manifest: %w", req.ID, err))
	}
	obj := &unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(raw); err != nil {
		return nil, ir.Permanent(fmt.Errorf("%s: invalid manifest: %w", req.ID, err))
	}

	if got := obj.GroupVersionKind(); got != want {
		return nil, ir.Permanent(fmt.Errorf("%s: kind %s renders %s, not %s", req.ID, req.Kind, want, got))
	}
	if obj.GetName() == "" {
		obj.SetName(req.ID)
	}
	return obj, nil
}

// preserveAssigned copies fields the API server assigns on create and
// rejects on update when they are left empty.
func preserveAssigned(obj, existing *unstructured.Unstructured) {
	if obj.GetKind() != "Service" {
		return
	}
	for _, field := range []string{"clusterIP", "clusterIPs"} {
		if _, set, _ := unstructured.NestedFieldNoCopy(obj.Object, "spec", field); set {
			continue
		}
		if v, found, _ := unstructured.NestedFieldCopy(existing.Object, "spec", field); found {
			_ = unstructured.SetNestedField(obj.Object, v, "spec", field)
		}
	}
}

func handleFor(obj *unstructured.Unstructured) *ir.Handle {
	outputs := map[string]any{
		ir.OutputName: obj.GetName(),
		"uid":         string(obj.GetUID()),
	}
	if ns := obj.GetNamespace(); ns != "" {
		outputs[ir.OutputNamespace] = ns
	}
	ingress, _, _ := unstructured.NestedSlice(obj.Object, "status", "loadBalancer", "ingress")
	for _, entry := range ingress {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if host, ok := m["hostname"].(string); ok && host != "" {
			outputs[OutputAddress] = host
			break
		}
		if ip, ok := m["ip"].(string); ok && ip != "" {
			outputs[OutputAddress] = ip
			break
		}
	}
	return &ir.Handle{ID: obj.GetKind() + "/" + objectKey(obj), Outputs: outputs}
}

func objectKey(obj *unstructured.Unstructured) string {
	if ns := obj.GetNamespace(); ns != "" {
		return ns + "/" + obj.GetName()
	}
	return obj.GetName()
}
