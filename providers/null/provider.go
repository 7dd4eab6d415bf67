// Package null implements an in-memory backend that provisions nothing.
// It backs `plan`, the null backend mode and tests.
package null

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/tierctl/internal/ir"
)

const (
	defaultAccount = "000000000000"
	defaultRegion  = "us-east-1"
)

// Record is what the provider remembers about one materialized resource.
type Record struct {
	Kind       ir.Kind
	Handle     *ir.Handle
	Properties map[string]any
	Revision   int
}

type Provider struct {
	mu       sync.Mutex
	account  string
	region   string
	records  map[string]*Record
	failures map[string][]error
	calls    []string
}

// Option configures a Provider.
type Option func(*Provider)

// WithAccount sets the account id used in synthetic ARNs.
func WithAccount(account string) Option {
	return func(p *Provider) {
		if account != "" {
			p.account = account
		}
	}
}

// WithRegion sets the region used in synthetic ARNs and endpoints.
func WithRegion(region string) Option {
	return func(p *Provider) {
		if region != "" {
			p.region = region
		}
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		account:  defaultAccount,
		region:   defaultRegion,
		records:  make(map[string]*Record),
		failures: make(map[string][]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InjectFailure queues errors returned by the next calls for id, one per
// call, before the provider starts succeeding again.
func (p *Provider) InjectFailure(id string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[id] = append(p.failures[id], errs...)
}

// Calls returns "apply:<id>" and "delete:<id>" entries in call order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Get returns the record for id, or nil.
func (p *Provider) Get(id string) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return nil
	}
	return &Record{
		Kind:       rec.Kind,
		Handle:     rec.Handle.Clone(),
		Properties: ir.CopyProperties(rec.Properties),
		Revision:   rec.Revision,
	}
}

// IDs lists the materialized ids in sorted order.
func (p *Provider) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.records))
	for id := range p.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, "apply:"+req.ID)
	if err := p.nextFailure(req.ID); err != nil {
		return nil, err
	}

	rec, ok := p.records[req.ID]
	if !ok {
		rec = &Record{Kind: req.Kind}
		p.records[req.ID] = rec
	}
	rec.Revision++
	rec.Properties = ir.CopyProperties(req.Properties)

	handleID := fmt.Sprintf("null-%s", req.ID)
	if req.Prior != nil && req.Prior.ID != "" {
		handleID = req.Prior.ID
	}
	rec.Handle = &ir.Handle{
		ID:      handleID,
		Outputs: p.outputs(req, rec.Revision),
	}
	return rec.Handle.Clone(), nil
}

// Delete forgets the resource. Deleting an absent resource succeeds.
func (p *Provider) Delete(ctx context.Context, req *ir.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, "delete:"+req.ID)
	if err := p.nextFailure(req.ID); err != nil {
		return err
	}
	delete(p.records, req.ID)
	return nil
}

func (p *Provider) nextFailure(id string) error {
	queue := p.failures[id]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.failures[id] = queue[1:]
	return err
}

// outputs fabricates the outputs a real backend would publish for the kind,
// so references between descriptors resolve in null mode.
func (p *Provider) outputs(req *ir.Request, revision int) map[string]any {
	name := stringProp(req.Properties, "name", req.ID)
	suffix := shortHash(req.ID)

	switch req.Kind {
	case ir.KindNetwork:
		azs := intProp(req.Properties, "maxAzs", 2)
		subnets := func(tier string) []any {
			out := make([]any, 0, azs)
			for i := 0; i < azs; i++ {
				out = append(out, fmt.Sprintf("subnet-%s%s%d", tier, suffix[:6], i))
			}
			return out
		}
		return map[string]any{
			ir.OutputVPCID:             "vpc-" + suffix,
			ir.OutputPublicSubnetIDs:   subnets("pub"),
			ir.OutputPrivateSubnetIDs:  subnets("prv"),
			ir.OutputIsolatedSubnetIDs: subnets("iso"),
		}
	case ir.KindCluster:
		issuer := fmt.Sprintf("https://oidc.eks.%s.amazonaws.com/id/%s", p.region, suffix)
		return map[string]any{
			ir.OutputName:                   name,
			ir.OutputARN:                    fmt.Sprintf("arn:aws:eks:%s:%s:cluster/%s", p.region, p.account, name),
			ir.OutputEndpoint:               fmt.Sprintf("https://%s.gr7.%s.eks.amazonaws.com", suffix, p.region),
			ir.OutputCertificateAuthority:   "",
			ir.OutputOIDCIssuer:             issuer,
			ir.OutputOIDCProviderARN:        fmt.Sprintf("arn:aws:iam::%s:oidc-provider/oidc.eks.%s.amazonaws.com/id/%s", p.account, p.region, suffix),
			ir.OutputClusterSecurityGroupID: "sg-" + suffix,
		}
	case ir.KindTable:
		return map[string]any{
			ir.OutputName: name,
			ir.OutputARN:  fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", p.region, p.account, name),
		}
	case ir.KindRole:
		return map[string]any{
			ir.OutputName: name,
			ir.OutputARN:  fmt.Sprintf("arn:aws:iam::%s:role/%s", p.account, name),
		}
	case ir.KindHelmRelease:
		return map[string]any{
			ir.OutputName:      name,
			ir.OutputNamespace: stringProp(req.Properties, "namespace", "default"),
			ir.OutputRevision:  revision,
		}
	default:
		metadata, _ := req.Properties["metadata"].(map[string]any)
		return map[string]any{
			ir.OutputName:      stringProp(metadata, "name", req.ID),
			ir.OutputNamespace: stringProp(metadata, "namespace", ""),
		}
	}
}

func stringProp(props map[string]any, key, fallback string) string {
	if s, ok := props[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func intProp(props map[string]any, key string, fallback int) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:17]
}
