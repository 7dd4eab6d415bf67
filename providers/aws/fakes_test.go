package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

const (
	testAccount = "123456789012"
	testRegion  = "us-east-1"
	testIssuer  = "https://oidc.eks.us-east-1.amazonaws.com/id/EXAMPLED539D4633E53DE1B71EXAMPLE"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// failures hands out one queued error per call of a named operation.
type failures struct {
	mu     sync.Mutex
	queued map[string][]error
}

func (f *failures) inject(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued == nil {
		f.queued = make(map[string][]error)
	}
	f.queued[op] = append(f.queued[op], err)
}

func (f *failures) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queued[op]
	if len(q) == 0 {
		return nil
	}
	f.queued[op] = q[1:]
	return q[0]
}

// fakeEC2 keeps just enough network state to check creation and teardown.
type fakeEC2 struct {
	failures

	mu       sync.Mutex
	seq      int
	calls    []string
	vpcs     map[string]string // id -> cidr
	subnets  map[string]*ec2.CreateSubnetInput
	igws     map[string]string // id -> attached vpc
	rts      map[string][]*ec2.CreateRouteInput
	assocs   map[string]string // association -> route table
	eips     map[string]bool
	nats     map[string]ec2types.NatGatewayState
	publicIP map[string]bool
	tags     map[string][]ec2types.Tag
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		vpcs:     make(map[string]string),
		subnets:  make(map[string]*ec2.CreateSubnetInput),
		igws:     make(map[string]string),
		rts:      make(map[string][]*ec2.CreateRouteInput),
		assocs:   make(map[string]string),
		eips:     make(map[string]bool),
		nats:     make(map[string]ec2types.NatGatewayState),
		publicIP: make(map[string]bool),
		tags:     make(map[string][]ec2types.Tag),
	}
}

func (f *fakeEC2) id(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

func (f *fakeEC2) record(op string) error {
	f.calls = append(f.calls, op)
	return f.next(op)
}

// live counts every object that still exists.
func (f *fakeEC2) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.vpcs) + len(f.subnets) + len(f.igws) + len(f.rts) + len(f.assocs) + len(f.eips)
	for _, st := range f.nats {
		if st != ec2types.NatGatewayStateDeleted {
			n++
		}
	}
	return n
}

func (f *fakeEC2) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeEC2) tagsOf(spec []ec2types.TagSpecification) []ec2types.Tag {
	if len(spec) == 0 {
		return nil
	}
	return spec[0].Tags
}

func (f *fakeEC2) DescribeAvailabilityZones(_ context.Context, _ *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeAvailabilityZones"); err != nil {
		return nil, err
	}
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: []ec2types.AvailabilityZone{
		{ZoneName: sdk.String("us-east-1c")},
		{ZoneName: sdk.String("us-east-1a")},
		{ZoneName: sdk.String("us-east-1b")},
	}}, nil
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeVpcs"); err != nil {
		return nil, err
	}
	out := &ec2.DescribeVpcsOutput{}
	for _, id := range in.VpcIds {
		cidr, ok := f.vpcs[id]
		if !ok {
			return nil, apiError("InvalidVpcID.NotFound")
		}
		out.Vpcs = append(out.Vpcs, ec2types.Vpc{VpcId: sdk.String(id), CidrBlock: sdk.String(cidr)})
	}
	return out, nil
}

func (f *fakeEC2) CreateVpc(_ context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVpc"); err != nil {
		return nil, err
	}
	id := f.id("vpc")
	f.vpcs[id] = sdk.ToString(in.CidrBlock)
	f.tags[id] = f.tagsOf(in.TagSpecifications)
	return &ec2.CreateVpcOutput{Vpc: &ec2types.Vpc{VpcId: sdk.String(id), CidrBlock: in.CidrBlock}}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(_ context.Context, _ *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ec2.ModifyVpcAttributeOutput{}, f.record("ModifyVpcAttribute")
}

func (f *fakeEC2) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVpc"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.VpcId)
	if _, ok := f.vpcs[id]; !ok {
		return nil, apiError("InvalidVpcID.NotFound")
	}
	for _, s := range f.subnets {
		if sdk.ToString(s.VpcId) == id {
			return nil, apiError("DependencyViolation")
		}
	}
	delete(f.vpcs, id)
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTags"); err != nil {
		return nil, err
	}
	for _, id := range in.Resources {
		f.tags[id] = append(f.tags[id], in.Tags...)
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSubnet"); err != nil {
		return nil, err
	}
	id := f.id("subnet")
	f.subnets[id] = in
	f.tags[id] = f.tagsOf(in.TagSpecifications)
	return &ec2.CreateSubnetOutput{Subnet: &ec2types.Subnet{SubnetId: sdk.String(id), VpcId: in.VpcId}}, nil
}

func (f *fakeEC2) ModifySubnetAttribute(_ context.Context, in *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ModifySubnetAttribute"); err != nil {
		return nil, err
	}
	f.publicIP[sdk.ToString(in.SubnetId)] = true
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteSubnet(_ context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSubnet"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.SubnetId)
	if _, ok := f.subnets[id]; !ok {
		return nil, apiError("InvalidSubnetID.NotFound")
	}
	delete(f.subnets, id)
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) CreateInternetGateway(_ context.Context, _ *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateInternetGateway"); err != nil {
		return nil, err
	}
	id := f.id("igw")
	f.igws[id] = ""
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &ec2types.InternetGateway{InternetGatewayId: sdk.String(id)}}, nil
}

func (f *fakeEC2) AttachInternetGateway(_ context.Context, in *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AttachInternetGateway"); err != nil {
		return nil, err
	}
	f.igws[sdk.ToString(in.InternetGatewayId)] = sdk.ToString(in.VpcId)
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DetachInternetGateway(_ context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DetachInternetGateway"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.InternetGatewayId)
	vpc, ok := f.igws[id]
	if !ok {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	if vpc == "" {
		return nil, apiError("Gateway.NotAttached")
	}
	f.igws[id] = ""
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DeleteInternetGateway(_ context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteInternetGateway"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.InternetGatewayId)
	if _, ok := f.igws[id]; !ok {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	delete(f.igws, id)
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeEC2) CreateRouteTable(_ context.Context, _ *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateRouteTable"); err != nil {
		return nil, err
	}
	id := f.id("rtb")
	f.rts[id] = nil
	return &ec2.CreateRouteTableOutput{RouteTable: &ec2types.RouteTable{RouteTableId: sdk.String(id)}}, nil
}

func (f *fakeEC2) CreateRoute(_ context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateRoute"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.RouteTableId)
	f.rts[id] = append(f.rts[id], in)
	return &ec2.CreateRouteOutput{Return: sdk.Bool(true)}, nil
}

func (f *fakeEC2) AssociateRouteTable(_ context.Context, in *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AssociateRouteTable"); err != nil {
		return nil, err
	}
	id := f.id("rtbassoc")
	f.assocs[id] = sdk.ToString(in.RouteTableId)
	return &ec2.AssociateRouteTableOutput{AssociationId: sdk.String(id)}, nil
}

func (f *fakeEC2) DisassociateRouteTable(_ context.Context, in *ec2.DisassociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DisassociateRouteTable"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.AssociationId)
	if _, ok := f.assocs[id]; !ok {
		return nil, apiError("InvalidAssociationID.NotFound")
	}
	delete(f.assocs, id)
	return &ec2.DisassociateRouteTableOutput{}, nil
}

func (f *fakeEC2) DeleteRouteTable(_ context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteRouteTable"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.RouteTableId)
	if _, ok := f.rts[id]; !ok {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	for _, rt := range f.assocs {
		if rt == id {
			return nil, apiError("DependencyViolation")
		}
	}
	delete(f.rts, id)
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (f *fakeEC2) AllocateAddress(_ context.Context, _ *ec2.AllocateAddressInput, _ ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AllocateAddress"); err != nil {
		return nil, err
	}
	id := f.id("eipalloc")
	f.eips[id] = true
	return &ec2.AllocateAddressOutput{AllocationId: sdk.String(id)}, nil
}

func (f *fakeEC2) ReleaseAddress(_ context.Context, in *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ReleaseAddress"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.AllocationId)
	if !f.eips[id] {
		return nil, apiError("InvalidAllocationID.NotFound")
	}
	delete(f.eips, id)
	return &ec2.ReleaseAddressOutput{}, nil
}

func (f *fakeEC2) CreateNatGateway(_ context.Context, _ *ec2.CreateNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNatGateway"); err != nil {
		return nil, err
	}
	id := f.id("nat")
	f.nats[id] = ec2types.NatGatewayStateAvailable
	return &ec2.CreateNatGatewayOutput{NatGateway: &ec2types.NatGateway{NatGatewayId: sdk.String(id)}}, nil
}

func (f *fakeEC2) DeleteNatGateway(_ context.Context, in *ec2.DeleteNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteNatGateway"); err != nil {
		return nil, err
	}
	id := sdk.ToString(in.NatGatewayId)
	if _, ok := f.nats[id]; !ok {
		return nil, apiError("NatGatewayNotFound")
	}
	f.nats[id] = ec2types.NatGatewayStateDeleted
	return &ec2.DeleteNatGatewayOutput{NatGatewayId: in.NatGatewayId}, nil
}

func (f *fakeEC2) DescribeNatGateways(_ context.Context, in *ec2.DescribeNatGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeNatGateways"); err != nil {
		return nil, err
	}
	out := &ec2.DescribeNatGatewaysOutput{}
	for _, id := range in.NatGatewayIds {
		st, ok := f.nats[id]
		if !ok {
			return nil, apiError("NatGatewayNotFound")
		}
		out.NatGateways = append(out.NatGateways, ec2types.NatGateway{NatGatewayId: sdk.String(id), State: st})
	}
	return out, nil
}

// fakeEKS creates clusters and node groups directly in the ACTIVE state.
type fakeEKS struct {
	failures

	mu            sync.Mutex
	calls         []string
	clusters      map[string]*ekstypes.Cluster
	createInputs  map[string]*eks.CreateClusterInput
	nodegroups    map[string]*eks.CreateNodegroupInput
	scaling       map[string]*ekstypes.NodegroupScalingConfig
	accessEntries map[string]bool
	accessPolicy  map[string]string
}

func newFakeEKS() *fakeEKS {
	return &fakeEKS{
		clusters:      make(map[string]*ekstypes.Cluster),
		createInputs:  make(map[string]*eks.CreateClusterInput),
		nodegroups:    make(map[string]*eks.CreateNodegroupInput),
		scaling:       make(map[string]*ekstypes.NodegroupScalingConfig),
		accessEntries: make(map[string]bool),
		accessPolicy:  make(map[string]string),
	}
}

func (f *fakeEKS) record(op string) error {
	f.calls = append(f.calls, op)
	return f.next(op)
}

func (f *fakeEKS) called(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == op {
			return true
		}
	}
	return false
}

func notFoundEKS(what string) error {
	return &ekstypes.ResourceNotFoundException{Message: sdk.String(what + " not found")}
}

func (f *fakeEKS) DescribeCluster(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeCluster"); err != nil {
		return nil, err
	}
	c, ok := f.clusters[sdk.ToString(in.Name)]
	if !ok {
		return nil, notFoundEKS("cluster")
	}
	copied := *c
	return &eks.DescribeClusterOutput{Cluster: &copied}, nil
}

func (f *fakeEKS) CreateCluster(_ context.Context, in *eks.CreateClusterInput, _ ...func(*eks.Options)) (*eks.CreateClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateCluster"); err != nil {
		return nil, err
	}
	name := sdk.ToString(in.Name)
	c := &ekstypes.Cluster{
		Name:                 in.Name,
		Arn:                  sdk.String(fmt.Sprintf("arn:aws:eks:%s:%s:cluster/%s", testRegion, testAccount, name)),
		Version:              in.Version,
		Status:               ekstypes.ClusterStatusActive,
		Endpoint:             sdk.String("https://EXAMPLE.gr7.us-east-1.eks.amazonaws.com"),
		CertificateAuthority: &ekstypes.Certificate{Data: sdk.String("LS0tLS1CRUdJTg==")},
		Identity:             &ekstypes.Identity{Oidc: &ekstypes.OIDC{Issuer: sdk.String(testIssuer)}},
		ResourcesVpcConfig:   &ekstypes.VpcConfigResponse{ClusterSecurityGroupId: sdk.String("sg-cluster")},
	}
	f.clusters[name] = c
	f.createInputs[name] = in
	return &eks.CreateClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) UpdateClusterVersion(_ context.Context, in *eks.UpdateClusterVersionInput, _ ...func(*eks.Options)) (*eks.UpdateClusterVersionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateClusterVersion"); err != nil {
		return nil, err
	}
	c, ok := f.clusters[sdk.ToString(in.Name)]
	if !ok {
		return nil, notFoundEKS("cluster")
	}
	c.Version = in.Version
	return &eks.UpdateClusterVersionOutput{}, nil
}

func (f *fakeEKS) DeleteCluster(_ context.Context, in *eks.DeleteClusterInput, _ ...func(*eks.Options)) (*eks.DeleteClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteCluster"); err != nil {
		return nil, err
	}
	name := sdk.ToString(in.Name)
	if _, ok := f.clusters[name]; !ok {
		return nil, notFoundEKS("cluster")
	}
	for key := range f.nodegroups {
		if strings.HasPrefix(key, name+"/") {
			return nil, &ekstypes.ResourceInUseException{Message: sdk.String("cluster has node groups")}
		}
	}
	delete(f.clusters, name)
	return &eks.DeleteClusterOutput{}, nil
}

func ngKey(cluster, name *string) string {
	return sdk.ToString(cluster) + "/" + sdk.ToString(name)
}

func (f *fakeEKS) DescribeNodegroup(_ context.Context, in *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DescribeNodegroup"); err != nil {
		return nil, err
	}
	key := ngKey(in.ClusterName, in.NodegroupName)
	if _, ok := f.nodegroups[key]; !ok {
		return nil, notFoundEKS("nodegroup")
	}
	return &eks.DescribeNodegroupOutput{Nodegroup: &ekstypes.Nodegroup{
		NodegroupName: in.NodegroupName,
		ClusterName:   in.ClusterName,
		Status:        ekstypes.NodegroupStatusActive,
		ScalingConfig: f.scaling[key],
	}}, nil
}

func (f *fakeEKS) CreateNodegroup(_ context.Context, in *eks.CreateNodegroupInput, _ ...func(*eks.Options)) (*eks.CreateNodegroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNodegroup"); err != nil {
		return nil, err
	}
	key := ngKey(in.ClusterName, in.NodegroupName)
	f.nodegroups[key] = in
	f.scaling[key] = in.ScalingConfig
	return &eks.CreateNodegroupOutput{}, nil
}

func (f *fakeEKS) UpdateNodegroupConfig(_ context.Context, in *eks.UpdateNodegroupConfigInput, _ ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateNodegroupConfig"); err != nil {
		return nil, err
	}
	f.scaling[ngKey(in.ClusterName, in.NodegroupName)] = in.ScalingConfig
	return &eks.UpdateNodegroupConfigOutput{}, nil
}

func (f *fakeEKS) DeleteNodegroup(_ context.Context, in *eks.DeleteNodegroupInput, _ ...func(*eks.Options)) (*eks.DeleteNodegroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteNodegroup"); err != nil {
		return nil, err
	}
	key := ngKey(in.ClusterName, in.NodegroupName)
	if _, ok := f.nodegroups[key]; !ok {
		return nil, notFoundEKS("nodegroup")
	}
	delete(f.nodegroups, key)
	delete(f.scaling, key)
	return &eks.DeleteNodegroupOutput{}, nil
}

func (f *fakeEKS) CreateAccessEntry(_ context.Context, in *eks.CreateAccessEntryInput, _ ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateAccessEntry"); err != nil {
		return nil, err
	}
	principal := sdk.ToString(in.PrincipalArn)
	if f.accessEntries[principal] {
		return nil, &ekstypes.ResourceInUseException{Message: sdk.String("exists")}
	}
	f.accessEntries[principal] = true
	return &eks.CreateAccessEntryOutput{}, nil
}

func (f *fakeEKS) AssociateAccessPolicy(_ context.Context, in *eks.AssociateAccessPolicyInput, _ ...func(*eks.Options)) (*eks.AssociateAccessPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AssociateAccessPolicy"); err != nil {
		return nil, err
	}
	f.accessPolicy[sdk.ToString(in.PrincipalArn)] = sdk.ToString(in.PolicyArn)
	return &eks.AssociateAccessPolicyOutput{}, nil
}

type fakeRole struct {
	arn      string
	trust    string
	attached map[string]bool
	inline   map[string]string
}

type fakeIAM struct {
	failures

	mu        sync.Mutex
	roles     map[string]*fakeRole
	providers map[string]string // arn -> url
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		roles:     make(map[string]*fakeRole),
		providers: make(map[string]string),
	}
}

func noSuchEntity() error {
	return &iamtypes.NoSuchEntityException{Message: sdk.String("not found")}
}

func (f *fakeIAM) role(name *string) (*fakeRole, error) {
	r, ok := f.roles[sdk.ToString(name)]
	if !ok {
		return nil, noSuchEntity()
	}
	return r, nil
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("GetRole"); err != nil {
		return nil, err
	}
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: sdk.String(r.arn)}}, nil
}

func (f *fakeIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("CreateRole"); err != nil {
		return nil, err
	}
	name := sdk.ToString(in.RoleName)
	if _, ok := f.roles[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: sdk.String("exists")}
	}
	r := &fakeRole{
		arn:      fmt.Sprintf("arn:aws:iam::%s:role/%s", testAccount, name),
		trust:    sdk.ToString(in.AssumeRolePolicyDocument),
		attached: make(map[string]bool),
		inline:   make(map[string]string),
	}
	f.roles[name] = r
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: sdk.String(r.arn)}}, nil
}

func (f *fakeIAM) UpdateAssumeRolePolicy(_ context.Context, in *iam.UpdateAssumeRolePolicyInput, _ ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	r.trust = sdk.ToString(in.PolicyDocument)
	return &iam.UpdateAssumeRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	if len(r.attached) > 0 || len(r.inline) > 0 {
		return nil, &iamtypes.DeleteConflictException{Message: sdk.String("policies still attached")}
	}
	delete(f.roles, sdk.ToString(in.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	var arns []string
	for a := range r.attached {
		arns = append(arns, a)
	}
	sort.Strings(arns)
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, a := range arns {
		out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyArn: sdk.String(a)})
	}
	return out, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	r.attached[sdk.ToString(in.PolicyArn)] = true
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	delete(r.attached, sdk.ToString(in.PolicyArn))
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) ListRolePolicies(_ context.Context, in *iam.ListRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	out := &iam.ListRolePoliciesOutput{}
	for name := range r.inline {
		out.PolicyNames = append(out.PolicyNames, name)
	}
	sort.Strings(out.PolicyNames)
	return out, nil
}

func (f *fakeIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	r.inline[sdk.ToString(in.PolicyName)] = sdk.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRolePolicy(_ context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	delete(r.inline, sdk.ToString(in.PolicyName))
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) GetOpenIDConnectProvider(_ context.Context, in *iam.GetOpenIDConnectProviderInput, _ ...func(*iam.Options)) (*iam.GetOpenIDConnectProviderOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.providers[sdk.ToString(in.OpenIDConnectProviderArn)]
	if !ok {
		return nil, noSuchEntity()
	}
	return &iam.GetOpenIDConnectProviderOutput{Url: sdk.String(u)}, nil
}

func (f *fakeIAM) CreateOpenIDConnectProvider(_ context.Context, in *iam.CreateOpenIDConnectProviderInput, _ ...func(*iam.Options)) (*iam.CreateOpenIDConnectProviderOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := sdk.ToString(in.Url)
	arnStr := fmt.Sprintf("arn:aws:iam::%s:oidc-provider/%s", testAccount, strings.TrimPrefix(u, "https://"))
	f.providers[arnStr] = u
	return &iam.CreateOpenIDConnectProviderOutput{OpenIDConnectProviderArn: sdk.String(arnStr)}, nil
}

func (f *fakeIAM) DeleteOpenIDConnectProvider(_ context.Context, in *iam.DeleteOpenIDConnectProviderInput, _ ...func(*iam.Options)) (*iam.DeleteOpenIDConnectProviderOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sdk.ToString(in.OpenIDConnectProviderArn)
	if _, ok := f.providers[key]; !ok {
		return nil, noSuchEntity()
	}
	delete(f.providers, key)
	return &iam.DeleteOpenIDConnectProviderOutput{}, nil
}

type fakeDynamoDB struct {
	failures

	mu      sync.Mutex
	tables  map[string]*dbtypes.TableDescription
	updates []*dynamodb.UpdateTableInput
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{tables: make(map[string]*dbtypes.TableDescription)}
}

func (f *fakeDynamoDB) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("DescribeTable"); err != nil {
		return nil, err
	}
	t, ok := f.tables[sdk.ToString(in.TableName)]
	if !ok {
		return nil, &dbtypes.ResourceNotFoundException{Message: sdk.String("table not found")}
	}
	copied := *t
	return &dynamodb.DescribeTableOutput{Table: &copied}, nil
}

func (f *fakeDynamoDB) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("CreateTable"); err != nil {
		return nil, err
	}
	name := sdk.ToString(in.TableName)
	t := &dbtypes.TableDescription{
		TableName:          in.TableName,
		TableArn:           sdk.String(fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", testRegion, testAccount, name)),
		TableStatus:        dbtypes.TableStatusActive,
		KeySchema:          in.KeySchema,
		BillingModeSummary: &dbtypes.BillingModeSummary{BillingMode: in.BillingMode},
	}
	if pt := in.ProvisionedThroughput; pt != nil {
		t.ProvisionedThroughput = &dbtypes.ProvisionedThroughputDescription{
			ReadCapacityUnits:  pt.ReadCapacityUnits,
			WriteCapacityUnits: pt.WriteCapacityUnits,
		}
	}
	f.tables[name] = t
	return &dynamodb.CreateTableOutput{TableDescription: t}, nil
}

func (f *fakeDynamoDB) UpdateTable(_ context.Context, in *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("UpdateTable"); err != nil {
		return nil, err
	}
	t, ok := f.tables[sdk.ToString(in.TableName)]
	if !ok {
		return nil, &dbtypes.ResourceNotFoundException{Message: sdk.String("table not found")}
	}
	f.updates = append(f.updates, in)
	if pt := in.ProvisionedThroughput; pt != nil {
		t.ProvisionedThroughput = &dbtypes.ProvisionedThroughputDescription{
			ReadCapacityUnits:  pt.ReadCapacityUnits,
			WriteCapacityUnits: pt.WriteCapacityUnits,
		}
	}
	if in.BillingMode != "" {
		t.BillingModeSummary = &dbtypes.BillingModeSummary{BillingMode: in.BillingMode}
	}
	return &dynamodb.UpdateTableOutput{TableDescription: t}, nil
}

func (f *fakeDynamoDB) DeleteTable(_ context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("DeleteTable"); err != nil {
		return nil, err
	}
	name := sdk.ToString(in.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, &dbtypes.ResourceNotFoundException{Message: sdk.String("table not found")}
	}
	delete(f.tables, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

type fakeSTS struct {
	calls int
}

func (f *fakeSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	return &sts.GetCallerIdentityOutput{Account: sdk.String(testAccount)}, nil
}
