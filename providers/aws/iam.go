package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

const policyVersion = "2012-10-17"

type RoleConfig struct {
	Name            string                    `json:"name"`
	Path            string                    `json:"path"`
	Description     string                    `json:"description"`
	AssumedBy       Principal                 `json:"assumedBy"`
	ManagedPolicies []string                  `json:"managedPolicies"`
	InlinePolicies  map[string]PolicyDocument `json:"inlinePolicies"`
	Tags            map[string]string         `json:"tags"`
}

// Principal selects who may assume a role. Exactly one field is set.
type Principal struct {
	Service        string                   `json:"service"`
	AccountRoot    bool                     `json:"accountRoot"`
	ServiceAccount *ServiceAccountPrincipal `json:"serviceAccount"`
}

// ServiceAccountPrincipal trusts one Kubernetes service account through the
// cluster's OIDC provider.
type ServiceAccountPrincipal struct {
	OIDCProviderArn string `json:"oidcProviderArn"`
	OIDCIssuer      string `json:"oidcIssuer"`
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
}

type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

type PolicyStatement struct {
	Sid       string         `json:"Sid,omitempty"`
	Effect    string         `json:"Effect"`
	Principal map[string]any `json:"Principal,omitempty"`
	Action    any            `json:"Action"`
	Resource  any            `json:"Resource,omitempty"`
	Condition map[string]any `json:"Condition,omitempty"`
}

type RoleState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func (p *Provider) applyRole(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	var desired RoleConfig
	if err := decode(req.Properties, &desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = req.ID
	}
	if len(desired.Name) > 64 {
		return nil, ir.Permanent(fmt.Errorf("role %s: name %q exceeds 64 characters", req.ID, desired.Name))
	}

	trust, err := p.trustPolicy(ctx, desired.AssumedBy)
	if err != nil {
		return nil, err
	}

	var roleARN string
	existing, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: sdk.String(desired.Name)})
	switch {
	case err != nil && !isNotFound(err):
		return nil, fmt.Errorf("failed to get role: %w", err)
	case err != nil:
		input := &iam.CreateRoleInput{
			RoleName:                 sdk.String(desired.Name),
			AssumeRolePolicyDocument: sdk.String(trust),
			Tags:                     iamTags(desired.Tags),
		}
		if desired.Path != "" {
			input.Path = sdk.String(desired.Path)
		}
		if desired.Description != "" {
			input.Description = sdk.String(desired.Description)
		}
		resp, err := p.iam.CreateRole(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to create role: %w", err)
		}
		roleARN = sdk.ToString(resp.Role.Arn)
	default:
		if _, err := p.iam.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       sdk.String(desired.Name),
			PolicyDocument: sdk.String(trust),
		}); err != nil {
			return nil, fmt.Errorf("failed to update trust policy: %w", err)
		}
		roleARN = sdk.ToString(existing.Role.Arn)
	}

	if err := p.syncManagedPolicies(ctx, desired.Name, desired.ManagedPolicies); err != nil {
		return nil, err
	}
	if err := p.syncInlinePolicies(ctx, desired.Name, desired.InlinePolicies); err != nil {
		return nil, err
	}

	return &ir.Handle{ID: roleARN, Outputs: toOutputs(RoleState{Name: desired.Name, ARN: roleARN})}, nil
}

func (p *Provider) trustPolicy(ctx context.Context, by Principal) (string, error) {
	stmt := PolicyStatement{Effect: "Allow", Action: "sts:AssumeRole"}

	switch {
	case by.ServiceAccount != nil:
		sa := by.ServiceAccount
		if sa.OIDCProviderArn == "" || sa.OIDCIssuer == "" || sa.Namespace == "" || sa.Name == "" {
			return "", ir.Permanent(fmt.Errorf("service account principal needs oidcProviderArn, oidcIssuer, namespace and name"))
		}
		host := strings.TrimPrefix(sa.OIDCIssuer, "https://")
		stmt.Action = "sts:AssumeRoleWithWebIdentity"
		stmt.Principal = map[string]any{"Federated": sa.OIDCProviderArn}
		stmt.Condition = map[string]any{
			"StringEquals": map[string]any{
				host + ":sub": fmt.Sprintf("system:serviceaccount:%s:%s", sa.Namespace, sa.Name),
				host + ":aud": stsAudience,
			},
		}
	case by.AccountRoot:
		account, err := p.accountID(ctx)
		if err != nil {
			return "", err
		}
		stmt.Principal = map[string]any{"AWS": fmt.Sprintf("arn:aws:iam::%s:root", account)}
	case by.Service != "":
		stmt.Principal = map[string]any{"Service": by.Service}
	default:
		return "", ir.Permanent(fmt.Errorf("role has no assumedBy principal"))
	}

	raw, err := json.Marshal(PolicyDocument{Version: policyVersion, Statement: []PolicyStatement{stmt}})
	if err != nil {
		return "", ir.Permanent(fmt.Errorf("failed to marshal trust policy: %w", err))
	}
	return string(raw), nil
}

func (p *Provider) syncManagedPolicies(ctx context.Context, role string, desired []string) error {
	want := make(map[string]bool, len(desired))
	for _, name := range desired {
		want[managedPolicyARN(name)] = true
	}

	attached, err := p.attachedPolicies(ctx, role)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(attached))
	for _, policyARN := range attached {
		have[policyARN] = true
		if want[policyARN] {
			continue
		}
		if _, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  sdk.String(role),
			PolicyArn: sdk.String(policyARN),
		}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to detach %s: %w", policyARN, err)
		}
	}

	for _, name := range desired {
		policyARN := managedPolicyARN(name)
		if have[policyARN] {
			continue
		}
		if _, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  sdk.String(role),
			PolicyArn: sdk.String(policyARN),
		}); err != nil {
			return fmt.Errorf("failed to attach %s: %w", policyARN, err)
		}
	}
	return nil
}

func (p *Provider) syncInlinePolicies(ctx context.Context, role string, desired map[string]PolicyDocument) error {
	existing, err := p.inlinePolicies(ctx, role)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, ok := desired[name]; ok {
			continue
		}
		if _, err := p.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   sdk.String(role),
			PolicyName: sdk.String(name),
		}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete inline policy %s: %w", name, err)
		}
	}

	for _, name := range sortedPolicyNames(desired) {
		doc := desired[name]
		if doc.Version == "" {
			doc.Version = policyVersion
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return ir.Permanent(fmt.Errorf("failed to marshal inline policy %s: %w", name, err))
		}
		if _, err := p.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       sdk.String(role),
			PolicyName:     sdk.String(name),
			PolicyDocument: sdk.String(string(raw)),
		}); err != nil {
			return fmt.Errorf("failed to put inline policy %s: %w", name, err)
		}
	}
	return nil
}

func (p *Provider) attachedPolicies(ctx context.Context, role string) ([]string, error) {
	var arns []string
	pages := iam.NewListAttachedRolePoliciesPaginator(p.iam, &iam.ListAttachedRolePoliciesInput{RoleName: sdk.String(role)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list attached policies: %w", err)
		}
		for _, policy := range page.AttachedPolicies {
			arns = append(arns, sdk.ToString(policy.PolicyArn))
		}
	}
	return arns, nil
}

func (p *Provider) inlinePolicies(ctx context.Context, role string) ([]string, error) {
	var names []string
	pages := iam.NewListRolePoliciesPaginator(p.iam, &iam.ListRolePoliciesInput{RoleName: sdk.String(role)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list inline policies: %w", err)
		}
		names = append(names, page.PolicyNames...)
	}
	return names, nil
}

func (p *Provider) deleteRole(ctx context.Context, req *ir.Request) error {
	var prior RoleState
	if _, err := fromHandle(req.Prior, &prior); err != nil {
		return err
	}
	name := prior.Name
	if name == "" {
		name, _ = req.Properties["name"].(string)
	}
	if name == "" {
		name = req.ID
	}

	attached, err := p.attachedPolicies(ctx, name)
	if err != nil {
		if isNotFound(err) {
			logging.Debug("role already deleted", "id", req.ID, "role", name)
			return nil
		}
		return err
	}
	for _, policyARN := range attached {
		if _, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  sdk.String(name),
			PolicyArn: sdk.String(policyARN),
		}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to detach %s: %w", policyARN, err)
		}
	}

	inline, err := p.inlinePolicies(ctx, name)
	if ignoreNotFound(err) != nil {
		return err
	}
	for _, policy := range inline {
		if _, err := p.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   sdk.String(name),
			PolicyName: sdk.String(policy),
		}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete inline policy %s: %w", policy, err)
		}
	}

	if _, err := p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: sdk.String(name)}); ignoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// managedPolicyARN accepts either a full ARN or an AWS managed policy name.
func managedPolicyARN(name string) string {
	if strings.HasPrefix(name, "arn:") {
		return name
	}
	return "arn:aws:iam::aws:policy/" + name
}

func iamTags(tags map[string]string) []types.Tag {
	var out []types.Tag
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: sdk.String(k), Value: sdk.String(tags[k])})
	}
	return out
}

func sortedPolicyNames(m map[string]PolicyDocument) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
