package aws

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

const (
	clusterAdminPolicy = "arn:aws:eks::aws:cluster-access-policy/AmazonEKSClusterAdminPolicy"
	stsAudience        = "sts.amazonaws.com"
)

type ClusterConfig struct {
	Name                  string            `json:"name"`
	Version               string            `json:"version"`
	RoleArn               string            `json:"roleArn"`
	PublicSubnetIds       []string          `json:"publicSubnetIds"`
	PrivateSubnetIds      []string          `json:"privateSubnetIds"`
	EndpointPublicAccess  *bool             `json:"endpointPublicAccess"`
	EndpointPrivateAccess *bool             `json:"endpointPrivateAccess"`
	AdminRoleArn          string            `json:"adminRoleArn"`
	NodeGroup             NodeGroupConfig   `json:"nodeGroup"`
	Tags                  map[string]string `json:"tags"`
}

type NodeGroupConfig struct {
	Name          string            `json:"name"`
	RoleArn       string            `json:"roleArn"`
	InstanceTypes []string          `json:"instanceTypes"`
	DesiredSize   int32             `json:"desiredSize"`
	MinSize       int32             `json:"minSize"`
	MaxSize       int32             `json:"maxSize"`
	DiskSize      int32             `json:"diskSize"`
	Labels        map[string]string `json:"labels"`
}

// ClusterState is published as the handle outputs of a Cluster.
type ClusterState struct {
	Name                   string `json:"name"`
	ARN                    string `json:"arn"`
	Version                string `json:"version"`
	Endpoint               string `json:"endpoint"`
	CertificateAuthority   string `json:"certificateAuthority"`
	OIDCIssuer             string `json:"oidcIssuer"`
	OIDCProviderARN        string `json:"oidcProviderArn"`
	ClusterSecurityGroupID string `json:"clusterSecurityGroupId"`
	NodeGroupName          string `json:"nodeGroupName"`
}

func (c *ClusterConfig) defaults(id string) error {
	if c.Name == "" {
		c.Name = id
	}
	if c.RoleArn == "" {
		return fmt.Errorf("cluster %s: roleArn is required", id)
	}
	if len(c.PublicSubnetIds)+len(c.PrivateSubnetIds) == 0 {
		return fmt.Errorf("cluster %s: at least one subnet is required", id)
	}

	ng := &c.NodeGroup
	if ng.Name == "" {
		ng.Name = c.Name + "-nodes"
	}
	if ng.DesiredSize <= 0 {
		ng.DesiredSize = 1
	}
	if ng.MinSize <= 0 || ng.MinSize > ng.DesiredSize {
		ng.MinSize = min(1, ng.DesiredSize)
	}
	if ng.MaxSize < ng.DesiredSize {
		ng.MaxSize = ng.DesiredSize
	}
	if ng.RoleArn == "" {
		return fmt.Errorf("cluster %s: nodeGroup.roleArn is required", id)
	}
	return nil
}

func (p *Provider) applyCluster(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	var desired ClusterConfig
	if err := decode(req.Properties, &desired); err != nil {
		return nil, err
	}
	if err := desired.defaults(req.ID); err != nil {
		return nil, ir.Permanent(err)
	}

	cluster, err := p.describeCluster(ctx, desired.Name)
	if err != nil {
		return nil, err
	}

	switch {
	case cluster == nil:
		if err := p.createCluster(ctx, desired); err != nil {
			return nil, err
		}
	case desired.Version != "" && sdk.ToString(cluster.Version) != desired.Version:
		logging.Info("upgrading cluster", "name", desired.Name, "from", sdk.ToString(cluster.Version), "to", desired.Version)
		if _, err := p.eks.UpdateClusterVersion(ctx, &eks.UpdateClusterVersionInput{
			Name:    sdk.String(desired.Name),
			Version: sdk.String(desired.Version),
		}); err != nil {
			return nil, fmt.Errorf("failed to update cluster version: %w", err)
		}
	}

	active := eks.NewClusterActiveWaiter(p.eks, func(o *eks.ClusterActiveWaiterOptions) {
		if p.poll > 0 {
			o.MinDelay, o.MaxDelay = p.poll, p.poll
		}
	})
	if err := active.Wait(ctx, &eks.DescribeClusterInput{Name: sdk.String(desired.Name)}, p.waitTimeout); err != nil {
		return nil, fmt.Errorf("cluster %s did not become active: %w", desired.Name, err)
	}

	cluster, err = p.describeCluster(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		return nil, fmt.Errorf("cluster %s disappeared after becoming active", desired.Name)
	}

	if err := p.ensureNodeGroup(ctx, desired); err != nil {
		return nil, err
	}

	state := ClusterState{
		Name:          sdk.ToString(cluster.Name),
		ARN:           sdk.ToString(cluster.Arn),
		Version:       sdk.ToString(cluster.Version),
		Endpoint:      sdk.ToString(cluster.Endpoint),
		NodeGroupName: desired.NodeGroup.Name,
	}
	if cluster.CertificateAuthority != nil {
		state.CertificateAuthority = sdk.ToString(cluster.CertificateAuthority.Data)
	}
	if cluster.ResourcesVpcConfig != nil {
		state.ClusterSecurityGroupID = sdk.ToString(cluster.ResourcesVpcConfig.ClusterSecurityGroupId)
	}
	if cluster.Identity != nil && cluster.Identity.Oidc != nil {
		state.OIDCIssuer = sdk.ToString(cluster.Identity.Oidc.Issuer)
	}

	if state.OIDCIssuer != "" {
		state.OIDCProviderARN, err = p.ensureOIDCProvider(ctx, state.ARN, state.OIDCIssuer)
		if err != nil {
			return nil, err
		}
	}

	if desired.AdminRoleArn != "" {
		if err := p.grantClusterAdmin(ctx, desired.Name, desired.AdminRoleArn); err != nil {
			return nil, err
		}
	}

	return &ir.Handle{ID: state.ARN, Outputs: toOutputs(state)}, nil
}

func (p *Provider) describeCluster(ctx context.Context, name string) (*types.Cluster, error) {
	resp, err := p.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: sdk.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe cluster: %w", err)
	}
	return resp.Cluster, nil
}

func (p *Provider) createCluster(ctx context.Context, desired ClusterConfig) error {
	subnets := append(append([]string(nil), desired.PublicSubnetIds...), desired.PrivateSubnetIds...)
	input := &eks.CreateClusterInput{
		Name:    sdk.String(desired.Name),
		RoleArn: sdk.String(desired.RoleArn),
		ResourcesVpcConfig: &types.VpcConfigRequest{
			SubnetIds:             subnets,
			EndpointPublicAccess:  boolOr(desired.EndpointPublicAccess, true),
			EndpointPrivateAccess: boolOr(desired.EndpointPrivateAccess, true),
		},
		AccessConfig: &types.CreateAccessConfigRequest{
			AuthenticationMode:                      types.AuthenticationModeApiAndConfigMap,
			BootstrapClusterCreatorAdminPermissions: sdk.Bool(true),
		},
		Tags: desired.Tags,
	}
	if desired.Version != "" {
		input.Version = sdk.String(desired.Version)
	}

	logging.Info("creating cluster", "name", desired.Name, "version", desired.Version)
	if _, err := p.eks.CreateCluster(ctx, input); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create EKS cluster: %w", err)
	}
	return nil
}

func (p *Provider) ensureNodeGroup(ctx context.Context, desired ClusterConfig) error {
	ng := desired.NodeGroup
	scaling := &types.NodegroupScalingConfig{
		DesiredSize: sdk.Int32(ng.DesiredSize),
		MinSize:     sdk.Int32(ng.MinSize),
		MaxSize:     sdk.Int32(ng.MaxSize),
	}

	resp, err := p.eks.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   sdk.String(desired.Name),
		NodegroupName: sdk.String(ng.Name),
	})
	switch {
	case err != nil && !isNotFound(err):
		return fmt.Errorf("failed to describe node group: %w", err)
	case err != nil:
		subnets := desired.PrivateSubnetIds
		if len(subnets) == 0 {
			subnets = desired.PublicSubnetIds
		}
		input := &eks.CreateNodegroupInput{
			ClusterName:   sdk.String(desired.Name),
			NodegroupName: sdk.String(ng.Name),
			NodeRole:      sdk.String(ng.RoleArn),
			Subnets:       subnets,
			ScalingConfig: scaling,
			InstanceTypes: ng.InstanceTypes,
			Labels:        ng.Labels,
			Tags:          desired.Tags,
		}
		if ng.DiskSize > 0 {
			input.DiskSize = sdk.Int32(ng.DiskSize)
		}
		logging.Info("creating node group", "cluster", desired.Name, "nodegroup", ng.Name, "desired", ng.DesiredSize)
		if _, err := p.eks.CreateNodegroup(ctx, input); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create EKS node group: %w", err)
		}
	case !sameScaling(resp.Nodegroup.ScalingConfig, scaling):
		logging.Info("scaling node group", "cluster", desired.Name, "nodegroup", ng.Name, "desired", ng.DesiredSize)
		if _, err := p.eks.UpdateNodegroupConfig(ctx, &eks.UpdateNodegroupConfigInput{
			ClusterName:   sdk.String(desired.Name),
			NodegroupName: sdk.String(ng.Name),
			ScalingConfig: scaling,
		}); err != nil {
			return fmt.Errorf("failed to update node group: %w", err)
		}
	}

	active := eks.NewNodegroupActiveWaiter(p.eks, func(o *eks.NodegroupActiveWaiterOptions) {
		if p.poll > 0 {
			o.MinDelay, o.MaxDelay = p.poll, p.poll
		}
	})
	if err := active.Wait(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   sdk.String(desired.Name),
		NodegroupName: sdk.String(ng.Name),
	}, p.waitTimeout); err != nil {
		return fmt.Errorf("node group %s did not become active: %w", ng.Name, err)
	}
	return nil
}

// ensureOIDCProvider registers the cluster's OIDC issuer with IAM so
// service accounts can assume roles.
func (p *Provider) ensureOIDCProvider(ctx context.Context, clusterARN, issuer string) (string, error) {
	parsed, err := arn.Parse(clusterARN)
	if err != nil {
		return "", fmt.Errorf("invalid cluster ARN %q: %w", clusterARN, err)
	}
	providerARN := fmt.Sprintf("arn:%s:iam::%s:oidc-provider/%s", parsed.Partition, parsed.AccountID, strings.TrimPrefix(issuer, "https://"))

	_, err = p.iam.GetOpenIDConnectProvider(ctx, &iam.GetOpenIDConnectProviderInput{
		OpenIDConnectProviderArn: sdk.String(providerARN),
	})
	if err == nil {
		return providerARN, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to get OIDC provider: %w", err)
	}

	if _, err := p.iam.CreateOpenIDConnectProvider(ctx, &iam.CreateOpenIDConnectProviderInput{
		Url:          sdk.String(issuer),
		ClientIDList: []string{stsAudience},
	}); err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return providerARN, nil
}

func (p *Provider) grantClusterAdmin(ctx context.Context, cluster, principal string) error {
	if _, err := p.eks.CreateAccessEntry(ctx, &eks.CreateAccessEntryInput{
		ClusterName:  sdk.String(cluster),
		PrincipalArn: sdk.String(principal),
	}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("failed to create access entry: %w", err)
	}
	if _, err := p.eks.AssociateAccessPolicy(ctx, &eks.AssociateAccessPolicyInput{
		ClusterName:  sdk.String(cluster),
		PrincipalArn: sdk.String(principal),
		PolicyArn:    sdk.String(clusterAdminPolicy),
		AccessScope:  &types.AccessScope{Type: types.AccessScopeTypeCluster},
	}); err != nil {
		return fmt.Errorf("failed to associate access policy: %w", err)
	}
	return nil
}

func (p *Provider) deleteCluster(ctx context.Context, req *ir.Request) error {
	var prior ClusterState
	if _, err := fromHandle(req.Prior, &prior); err != nil {
		return err
	}
	if prior.Name == "" {
		prior.Name, _ = req.Properties["name"].(string)
	}
	if prior.Name == "" {
		logging.Debug("no cluster recorded; nothing to delete", "id", req.ID)
		return nil
	}
	if prior.NodeGroupName == "" {
		prior.NodeGroupName = prior.Name + "-nodes"
	}

	_, err := p.eks.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{
		ClusterName:   sdk.String(prior.Name),
		NodegroupName: sdk.String(prior.NodeGroupName),
	})
	if ignoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete EKS node group: %w", err)
	}
	if err == nil {
		deleted := eks.NewNodegroupDeletedWaiter(p.eks, func(o *eks.NodegroupDeletedWaiterOptions) {
			if p.poll > 0 {
				o.MinDelay, o.MaxDelay = p.poll, p.poll
			}
		})
		if err := deleted.Wait(ctx, &eks.DescribeNodegroupInput{
			ClusterName:   sdk.String(prior.Name),
			NodegroupName: sdk.String(prior.NodeGroupName),
		}, p.waitTimeout); err != nil {
			return fmt.Errorf("node group %s was not deleted: %w", prior.NodeGroupName, err)
		}
	}

	_, err = p.eks.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: sdk.String(prior.Name)})
	if ignoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete EKS cluster: %w", err)
	}
	if err == nil {
		deleted := eks.NewClusterDeletedWaiter(p.eks, func(o *eks.ClusterDeletedWaiterOptions) {
			if p.poll > 0 {
				o.MinDelay, o.MaxDelay = p.poll, p.poll
			}
		})
		if err := deleted.Wait(ctx, &eks.DescribeClusterInput{Name: sdk.String(prior.Name)}, p.waitTimeout); err != nil {
			return fmt.Errorf("cluster %s was not deleted: %w", prior.Name, err)
		}
	}

	if prior.OIDCProviderARN != "" {
		if _, err := p.iam.DeleteOpenIDConnectProvider(ctx, &iam.DeleteOpenIDConnectProviderInput{
			OpenIDConnectProviderArn: sdk.String(prior.OIDCProviderARN),
		}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete OIDC provider: %w", err)
		}
	}
	return nil
}

func sameScaling(a, b *types.NodegroupScalingConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return sdk.ToInt32(a.DesiredSize) == sdk.ToInt32(b.DesiredSize) &&
		sdk.ToInt32(a.MinSize) == sdk.ToInt32(b.MinSize) &&
		sdk.ToInt32(a.MaxSize) == sdk.ToInt32(b.MaxSize)
}

func boolOr(v *bool, fallback bool) *bool {
	if v != nil {
		return v
	}
	return sdk.Bool(fallback)
}
