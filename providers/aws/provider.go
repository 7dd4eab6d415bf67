// Package aws provisions the cloud tier of the stack: networks, clusters,
// tables and IAM roles.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

// DefaultWaitTimeout bounds a single waiter. Cluster creation is the slowest
// operation and usually finishes within fifteen minutes.
const DefaultWaitTimeout = 30 * time.Minute

// Kinds lists the kinds this provider manages.
var Kinds = []ir.Kind{ir.KindNetwork, ir.KindCluster, ir.KindTable, ir.KindRole}

type Options struct {
	Region  string
	Profile string

	// WaitTimeout bounds each waiter; zero means DefaultWaitTimeout.
	WaitTimeout time.Duration

	// PollInterval overrides the SDK waiter delays when non-zero.
	PollInterval time.Duration
}

type Provider struct {
	ec2      EC2API
	eks      EKSAPI
	iam      IAMAPI
	dynamodb DynamoDBAPI
	sts      STSAPI

	region      string
	waitTimeout time.Duration
	poll        time.Duration

	mu      sync.Mutex
	account string
}

// New loads the default AWS configuration chain and builds service clients.
func New(ctx context.Context, opts Options) (*Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("no AWS region configured")
	}
	opts.Region = cfg.Region

	return NewWithClients(Clients{
		EC2:      ec2.NewFromConfig(cfg),
		EKS:      eks.NewFromConfig(cfg),
		IAM:      iam.NewFromConfig(cfg),
		DynamoDB: dynamodb.NewFromConfig(cfg),
		STS:      sts.NewFromConfig(cfg),
	}, opts), nil
}

// NewWithClients builds a provider around existing clients.
func NewWithClients(clients Clients, opts Options) *Provider {
	p := &Provider{
		ec2:         clients.EC2,
		eks:         clients.EKS,
		iam:         clients.IAM,
		dynamodb:    clients.DynamoDB,
		sts:         clients.STS,
		region:      opts.Region,
		waitTimeout: opts.WaitTimeout,
		poll:        opts.PollInterval,
	}
	if p.waitTimeout <= 0 {
		p.waitTimeout = DefaultWaitTimeout
	}
	return p
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	logging.Debug("aws apply", "id", req.ID, "kind", req.Kind)

	var (
		h   *ir.Handle
		err error
	)
	switch req.Kind {
	case ir.KindNetwork:
		h, err = p.applyNetwork(ctx, req)
	case ir.KindCluster:
		h, err = p.applyCluster(ctx, req)
	case ir.KindTable:
		h, err = p.applyTable(ctx, req)
	case ir.KindRole:
		h, err = p.applyRole(ctx, req)
	default:
		return nil, ir.Permanent(fmt.Errorf("aws provider does not manage kind %s", req.Kind))
	}
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

func (p *Provider) Delete(ctx context.Context, req *ir.Request) error {
	logging.Debug("aws delete", "id", req.ID, "kind", req.Kind)

	var err error
	switch req.Kind {
	case ir.KindNetwork:
		err = p.deleteNetwork(ctx, req)
	case ir.KindCluster:
		err = p.deleteCluster(ctx, req)
	case ir.KindTable:
		err = p.deleteTable(ctx, req)
	case ir.KindRole:
		err = p.deleteRole(ctx, req)
	default:
		return ir.Permanent(fmt.Errorf("aws provider does not manage kind %s", req.Kind))
	}
	return classify(err)
}

// accountID returns the caller's account, asking STS once.
func (p *Provider) accountID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account != "" {
		return p.account, nil
	}
	if p.sts == nil {
		return "", ir.Permanent(fmt.Errorf("no STS client configured"))
	}
	out, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	if out.Account == nil {
		return "", fmt.Errorf("caller identity has no account")
	}
	p.account = *out.Account
	return p.account, nil
}

// decode maps descriptor properties onto a typed config struct.
func decode(props map[string]any, out any) error {
	raw, err := json.Marshal(ir.NormalizeValue(props))
	if err != nil {
		return ir.Permanent(fmt.Errorf("failed to marshal properties: %w", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ir.Permanent(fmt.Errorf("failed to unmarshal properties: %w", err))
	}
	return nil
}

// toOutputs converts a state struct into handle outputs.
func toOutputs(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// fromHandle decodes the outputs of a prior handle into a state struct.
// It reports false when there is no prior handle.
func fromHandle(h *ir.Handle, out any) (bool, error) {
	if h == nil {
		return false, nil
	}
	if err := decode(h.Outputs, out); err != nil {
		return false, err
	}
	return true, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
