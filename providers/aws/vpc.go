package aws

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

// Subnet tier types.
const (
	SubnetPublic   = "public"
	SubnetPrivate  = "private"
	SubnetIsolated = "isolated"
)

const (
	defaultMaxAZs   = 2
	defaultCidrMask = 24
	anyIPv4         = "0.0.0.0/0"
)

// DefaultSubnetTiers is the three-tier layout: a public front tier, a
// private application tier with NAT egress and an isolated data tier.
var DefaultSubnetTiers = []SubnetTier{
	{Name: "Front", Type: SubnetPublic, CidrMask: defaultCidrMask},
	{Name: "EKS-Application", Type: SubnetPrivate, CidrMask: defaultCidrMask},
	{Name: "DataStore", Type: SubnetIsolated, CidrMask: defaultCidrMask},
}

type SubnetTier struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	CidrMask int    `json:"cidrMask"`
}

type NetworkConfig struct {
	Name        string            `json:"name"`
	CidrBlock   string            `json:"cidr"`
	MaxAZs      int               `json:"maxAzs"`
	NatGateways int               `json:"natGateways"`
	Subnets     []SubnetTier      `json:"subnets"`
	ClusterName string            `json:"clusterName"`
	Tags        map[string]string `json:"tags"`
}

// NetworkState is published as the handle outputs of a Network.
type NetworkState struct {
	VpcID             string   `json:"vpcId"`
	CidrBlock         string   `json:"cidr"`
	AvailabilityZones []string `json:"availabilityZones"`
	PublicSubnetIDs   []string `json:"publicSubnetIds"`
	PrivateSubnetIDs  []string `json:"privateSubnetIds"`
	IsolatedSubnetIDs []string `json:"isolatedSubnetIds"`
	InternetGatewayID string   `json:"internetGatewayId,omitempty"`
	NatGatewayIDs     []string `json:"natGatewayIds,omitempty"`
	AllocationIDs     []string `json:"allocationIds,omitempty"`
	RouteTableIDs     []string `json:"routeTableIds,omitempty"`
	AssociationIDs    []string `json:"associationIds,omitempty"`
}

type subnetPlan struct {
	Tier  SubnetTier
	AZ    string
	Index int
	CIDR  netip.Prefix
}

func (c *NetworkConfig) defaults(id string) error {
	if c.Name == "" {
		c.Name = id
	}
	if c.MaxAZs <= 0 {
		c.MaxAZs = defaultMaxAZs
	}
	if len(c.Subnets) == 0 {
		c.Subnets = DefaultSubnetTiers
	}
	if c.CidrBlock == "" {
		return fmt.Errorf("network %s: cidr is required", id)
	}
	for _, tier := range c.Subnets {
		switch tier.Type {
		case SubnetPublic, SubnetPrivate, SubnetIsolated:
		default:
			return fmt.Errorf("network %s: subnet tier %q has unknown type %q", id, tier.Name, tier.Type)
		}
	}
	if c.NatGateways < 0 {
		return fmt.Errorf("network %s: natGateways must not be negative", id)
	}
	return nil
}

func (p *Provider) applyNetwork(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	var desired NetworkConfig
	if err := decode(req.Properties, &desired); err != nil {
		return nil, err
	}
	if err := desired.defaults(req.ID); err != nil {
		return nil, ir.Permanent(err)
	}

	var prior NetworkState
	ok, err := fromHandle(req.Prior, &prior)
	if err != nil {
		return nil, err
	}
	if ok && prior.VpcID != "" {
		h, found, err := p.refreshNetwork(ctx, desired, prior)
		if err != nil || found {
			return h, err
		}
		logging.Warn("recorded VPC no longer exists; recreating", "id", req.ID, "vpc", prior.VpcID)
	}

	state := &NetworkState{CidrBlock: desired.CidrBlock}
	if err := p.buildNetwork(ctx, desired, state); err != nil {
		logging.Warn("network creation failed; rolling back", "id", req.ID, "error", err)
		if rbErr := p.destroyNetwork(ctx, state); rbErr != nil {
			logging.Error("network rollback incomplete", "id", req.ID, "vpc", state.VpcID, "error", rbErr)
		}
		return nil, err
	}

	return &ir.Handle{ID: state.VpcID, Outputs: toOutputs(state)}, nil
}

// refreshNetwork checks a previously created VPC. Topology changes are
// rejected since they would orphan subnets and gateways.
func (p *Provider) refreshNetwork(ctx context.Context, desired NetworkConfig, prior NetworkState) (*ir.Handle, bool, error) {
	resp, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{prior.VpcID}})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to describe VPC: %w", err)
	}
	if len(resp.Vpcs) == 0 {
		return nil, false, nil
	}

	vpc := resp.Vpcs[0]
	if cidr := sdk.ToString(vpc.CidrBlock); cidr != desired.CidrBlock {
		return nil, false, ir.Permanent(fmt.Errorf("VPC %s has cidr %s; changing it to %s requires tearing the network down", prior.VpcID, cidr, desired.CidrBlock))
	}
	if want := min(desired.MaxAZs, len(prior.AvailabilityZones)); len(prior.AvailabilityZones) != 0 && want != len(prior.AvailabilityZones) {
		return nil, false, ir.Permanent(fmt.Errorf("VPC %s spans %d availability zones; changing maxAzs requires tearing the network down", prior.VpcID, len(prior.AvailabilityZones)))
	}
	if want := min(desired.NatGateways, len(prior.PublicSubnetIDs)); want != len(prior.NatGatewayIDs) {
		return nil, false, ir.Permanent(fmt.Errorf("VPC %s has %d NAT gateways; changing natGateways requires tearing the network down", prior.VpcID, len(prior.NatGatewayIDs)))
	}

	if len(desired.Tags) > 0 {
		if _, err := p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{prior.VpcID},
			Tags:      ec2Tags(desired.Name, desired.Tags),
		}); err != nil {
			return nil, false, fmt.Errorf("failed to tag VPC: %w", err)
		}
	}

	return &ir.Handle{ID: prior.VpcID, Outputs: toOutputs(prior)}, true, nil
}

// buildNetwork records every created object in state as it goes so a failed
// build can be rolled back.
func (p *Provider) buildNetwork(ctx context.Context, cfg NetworkConfig, state *NetworkState) error {
	azs, err := p.availabilityZones(ctx, cfg.MaxAZs)
	if err != nil {
		return err
	}
	state.AvailabilityZones = azs

	plans, err := allocateSubnets(cfg.CidrBlock, cfg.Subnets, azs)
	if err != nil {
		return ir.Permanent(err)
	}

	vpcResp, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         sdk.String(cfg.CidrBlock),
		TagSpecifications: tagSpec(types.ResourceTypeVpc, cfg.Name, cfg.Tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create VPC: %w", err)
	}
	state.VpcID = sdk.ToString(vpcResp.Vpc.VpcId)

	if _, err := p.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              sdk.String(state.VpcID),
		EnableDnsHostnames: &types.AttributeBooleanValue{Value: sdk.Bool(true)},
	}); err != nil {
		return fmt.Errorf("failed to enable DNS hostnames: %w", err)
	}

	for _, plan := range plans {
		subnetID, err := p.createSubnet(ctx, cfg, state.VpcID, plan)
		if err != nil {
			return err
		}
		switch plan.Tier.Type {
		case SubnetPublic:
			state.PublicSubnetIDs = append(state.PublicSubnetIDs, subnetID)
		case SubnetPrivate:
			state.PrivateSubnetIDs = append(state.PrivateSubnetIDs, subnetID)
		case SubnetIsolated:
			state.IsolatedSubnetIDs = append(state.IsolatedSubnetIDs, subnetID)
		}
	}

	if len(state.PublicSubnetIDs) > 0 {
		igw, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
			TagSpecifications: tagSpec(types.ResourceTypeInternetGateway, cfg.Name, cfg.Tags),
		})
		if err != nil {
			return fmt.Errorf("failed to create internet gateway: %w", err)
		}
		state.InternetGatewayID = sdk.ToString(igw.InternetGateway.InternetGatewayId)

		if _, err := p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
			InternetGatewayId: sdk.String(state.InternetGatewayID),
			VpcId:             sdk.String(state.VpcID),
		}); err != nil {
			return fmt.Errorf("failed to attach internet gateway: %w", err)
		}

		if err := p.routeTable(ctx, cfg, state, cfg.Name+"/public", state.PublicSubnetIDs, &ec2.CreateRouteInput{
			DestinationCidrBlock: sdk.String(anyIPv4),
			GatewayId:            sdk.String(state.InternetGatewayID),
		}); err != nil {
			return err
		}
	}

	natCount := min(cfg.NatGateways, len(state.PublicSubnetIDs))
	for i := 0; i < natCount; i++ {
		name := fmt.Sprintf("%s/nat%d", cfg.Name, i+1)
		eip, err := p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain:            types.DomainTypeVpc,
			TagSpecifications: tagSpec(types.ResourceTypeElasticIp, name, cfg.Tags),
		})
		if err != nil {
			return fmt.Errorf("failed to allocate NAT address: %w", err)
		}
		state.AllocationIDs = append(state.AllocationIDs, sdk.ToString(eip.AllocationId))

		nat, err := p.ec2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
			SubnetId:          sdk.String(state.PublicSubnetIDs[i]),
			AllocationId:      eip.AllocationId,
			TagSpecifications: tagSpec(types.ResourceTypeNatgateway, name, cfg.Tags),
		})
		if err != nil {
			return fmt.Errorf("failed to create NAT gateway: %w", err)
		}
		state.NatGatewayIDs = append(state.NatGatewayIDs, sdk.ToString(nat.NatGateway.NatGatewayId))
	}
	if len(state.NatGatewayIDs) > 0 {
		if err := p.waitNatGateways(ctx, state.NatGatewayIDs, true); err != nil {
			return fmt.Errorf("NAT gateways did not become available: %w", err)
		}
	} else if len(state.PrivateSubnetIDs) > 0 {
		logging.Warn("private subnets have no NAT gateway and no egress", "vpc", state.VpcID)
	}

	for i, subnetID := range state.PrivateSubnetIDs {
		var route *ec2.CreateRouteInput
		if len(state.NatGatewayIDs) > 0 {
			route = &ec2.CreateRouteInput{
				DestinationCidrBlock: sdk.String(anyIPv4),
				NatGatewayId:         sdk.String(state.NatGatewayIDs[i%len(state.NatGatewayIDs)]),
			}
		}
		if err := p.routeTable(ctx, cfg, state, fmt.Sprintf("%s/private%d", cfg.Name, i+1), []string{subnetID}, route); err != nil {
			return err
		}
	}
	for i, subnetID := range state.IsolatedSubnetIDs {
		if err := p.routeTable(ctx, cfg, state, fmt.Sprintf("%s/isolated%d", cfg.Name, i+1), []string{subnetID}, nil); err != nil {
			return err
		}
	}

	return nil
}

func (p *Provider) availabilityZones(ctx context.Context, maxAZs int) ([]string, error) {
	resp, err := p.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{
			{Name: sdk.String("state"), Values: []string{"available"}},
			{Name: sdk.String("zone-type"), Values: []string{"availability-zone"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe availability zones: %w", err)
	}

	var zones []string
	for _, az := range resp.AvailabilityZones {
		if az.ZoneName != nil {
			zones = append(zones, *az.ZoneName)
		}
	}
	if len(zones) == 0 {
		return nil, ir.Permanent(fmt.Errorf("no availability zones available in %s", p.region))
	}
	sort.Strings(zones)
	if len(zones) > maxAZs {
		zones = zones[:maxAZs]
	}
	return zones, nil
}

func (p *Provider) createSubnet(ctx context.Context, cfg NetworkConfig, vpcID string, plan subnetPlan) (string, error) {
	tags := make(map[string]string, len(cfg.Tags)+3)
	for k, v := range cfg.Tags {
		tags[k] = v
	}
	tags["tierctl:subnet-name"] = plan.Tier.Name
	tags["tierctl:subnet-type"] = plan.Tier.Type
	switch plan.Tier.Type {
	case SubnetPublic:
		tags["kubernetes.io/role/elb"] = "1"
	case SubnetPrivate:
		tags["kubernetes.io/role/internal-elb"] = "1"
	}
	if cfg.ClusterName != "" {
		tags["kubernetes.io/cluster/"+cfg.ClusterName] = "shared"
	}

	name := fmt.Sprintf("%s/%sSubnet%d", cfg.Name, plan.Tier.Name, plan.Index+1)
	resp, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             sdk.String(vpcID),
		CidrBlock:         sdk.String(plan.CIDR.String()),
		AvailabilityZone:  sdk.String(plan.AZ),
		TagSpecifications: tagSpec(types.ResourceTypeSubnet, name, tags),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create subnet %s: %w", name, err)
	}
	subnetID := sdk.ToString(resp.Subnet.SubnetId)

	if plan.Tier.Type == SubnetPublic {
		if _, err := p.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            sdk.String(subnetID),
			MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: sdk.Bool(true)},
		}); err != nil {
			return subnetID, fmt.Errorf("failed to enable public IPs on %s: %w", name, err)
		}
	}
	return subnetID, nil
}

// routeTable creates a route table with an optional default route and
// associates it with the given subnets.
func (p *Provider) routeTable(ctx context.Context, cfg NetworkConfig, state *NetworkState, name string, subnetIDs []string, route *ec2.CreateRouteInput) error {
	rt, err := p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             sdk.String(state.VpcID),
		TagSpecifications: tagSpec(types.ResourceTypeRouteTable, name, cfg.Tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create route table %s: %w", name, err)
	}
	rtID := sdk.ToString(rt.RouteTable.RouteTableId)
	state.RouteTableIDs = append(state.RouteTableIDs, rtID)

	if route != nil {
		route.RouteTableId = sdk.String(rtID)
		if _, err := p.ec2.CreateRoute(ctx, route); err != nil {
			return fmt.Errorf("failed to create default route in %s: %w", name, err)
		}
	}

	for _, subnetID := range subnetIDs {
		assoc, err := p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: sdk.String(rtID),
			SubnetId:     sdk.String(subnetID),
		})
		if err != nil {
			return fmt.Errorf("failed to associate route table %s: %w", name, err)
		}
		state.AssociationIDs = append(state.AssociationIDs, sdk.ToString(assoc.AssociationId))
	}
	return nil
}

func (p *Provider) deleteNetwork(ctx context.Context, req *ir.Request) error {
	var prior NetworkState
	ok, err := fromHandle(req.Prior, &prior)
	if err != nil {
		return err
	}
	if !ok || prior.VpcID == "" {
		logging.Debug("no VPC recorded; nothing to delete", "id", req.ID)
		return nil
	}
	return p.destroyNetwork(ctx, &prior)
}

// destroyNetwork removes objects in reverse creation order. Objects that
// are already gone are skipped, so it can be retried after a partial run.
func (p *Provider) destroyNetwork(ctx context.Context, state *NetworkState) error {
	for _, id := range state.NatGatewayIDs {
		if _, err := p.ec2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: sdk.String(id)}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete NAT gateway %s: %w", id, err)
		}
	}
	if len(state.NatGatewayIDs) > 0 {
		if err := p.waitNatGateways(ctx, state.NatGatewayIDs, false); err != nil {
			return fmt.Errorf("NAT gateways were not deleted: %w", err)
		}
	}
	for _, id := range state.AllocationIDs {
		if _, err := p.ec2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: sdk.String(id)}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to release address %s: %w", id, err)
		}
	}

	for _, id := range state.AssociationIDs {
		if _, err := p.ec2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: sdk.String(id)}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to disassociate route table %s: %w", id, err)
		}
	}
	for _, id := range state.RouteTableIDs {
		if _, err := p.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: sdk.String(id)}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete route table %s: %w", id, err)
		}
	}

	if state.InternetGatewayID != "" {
		if _, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: sdk.String(state.InternetGatewayID),
			VpcId:             sdk.String(state.VpcID),
		}); ignoreNotFound(err) != nil && errorCode(err) != "Gateway.NotAttached" {
			return fmt.Errorf("failed to detach internet gateway: %w", err)
		}
		if _, err := p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: sdk.String(state.InternetGatewayID),
		}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete internet gateway: %w", err)
		}
	}

	subnets := append(append(append([]string(nil), state.PublicSubnetIDs...), state.PrivateSubnetIDs...), state.IsolatedSubnetIDs...)
	for _, id := range subnets {
		if _, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: sdk.String(id)}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete subnet %s: %w", id, err)
		}
	}

	if state.VpcID != "" {
		if _, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: sdk.String(state.VpcID)}); ignoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete VPC: %w", err)
		}
	}
	return nil
}

func (p *Provider) waitNatGateways(ctx context.Context, ids []string, available bool) error {
	input := &ec2.DescribeNatGatewaysInput{NatGatewayIds: ids}
	if available {
		w := ec2.NewNatGatewayAvailableWaiter(p.ec2, func(o *ec2.NatGatewayAvailableWaiterOptions) {
			if p.poll > 0 {
				o.MinDelay, o.MaxDelay = p.poll, p.poll
			}
		})
		return w.Wait(ctx, input, p.waitTimeout)
	}
	w := ec2.NewNatGatewayDeletedWaiter(p.ec2, func(o *ec2.NatGatewayDeletedWaiterOptions) {
		if p.poll > 0 {
			o.MinDelay, o.MaxDelay = p.poll, p.poll
		}
	})
	return w.Wait(ctx, input, p.waitTimeout)
}

// allocateSubnets carves consecutive blocks out of the VPC range, tier by
// tier and zone by zone, each block aligned to its own mask.
func allocateSubnets(vpcCIDR string, tiers []SubnetTier, azs []string) ([]subnetPlan, error) {
	vpc, err := netip.ParsePrefix(vpcCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid VPC cidr %q: %w", vpcCIDR, err)
	}
	if !vpc.Addr().Is4() {
		return nil, fmt.Errorf("VPC cidr %q is not IPv4", vpcCIDR)
	}
	vpc = vpc.Masked()

	base := ipv4ToUint(vpc.Addr())
	next := base
	end := base + uint64(1)<<(32-vpc.Bits())

	var plans []subnetPlan
	for _, tier := range tiers {
		mask := tier.CidrMask
		if mask == 0 {
			mask = defaultCidrMask
		}
		if mask < vpc.Bits() || mask > 28 {
			return nil, fmt.Errorf("subnet tier %q: mask /%d must be between /%d and /28", tier.Name, mask, vpc.Bits())
		}
		size := uint64(1) << (32 - mask)
		for i, az := range azs {
			if rem := next % size; rem != 0 {
				next += size - rem
			}
			if next+size > end {
				return nil, fmt.Errorf("subnet tier %q does not fit in %s", tier.Name, vpc)
			}
			plans = append(plans, subnetPlan{
				Tier:  tier,
				AZ:    az,
				Index: i,
				CIDR:  netip.PrefixFrom(uintToIPv4(next), mask),
			})
			next += size
		}
	}
	return plans, nil
}

func ipv4ToUint(addr netip.Addr) uint64 {
	b := addr.As4()
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
}

func uintToIPv4(v uint64) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func tagSpec(resourceType types.ResourceType, name string, extra map[string]string) []types.TagSpecification {
	return []types.TagSpecification{{
		ResourceType: resourceType,
		Tags:         ec2Tags(name, extra),
	}}
}

func ec2Tags(name string, extra map[string]string) []types.Tag {
	tags := []types.Tag{{Key: sdk.String("Name"), Value: sdk.String(name)}}
	for _, k := range sortedKeys(extra) {
		if k == "Name" {
			continue
		}
		tags = append(tags, types.Tag{Key: sdk.String(k), Value: sdk.String(extra[k])})
	}
	return tags
}

func ignoreNotFound(err error) error {
	if err == nil || isNotFound(err) {
		return nil
	}
	return err
}
