package stack

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/picklr-io/tierctl/internal/ir"
)

//go:embed policies/aws-load-balancer-controller.json
var albControllerPolicy []byte

// Network declares the three-tier VPC: public, private with NAT egress and
// isolated subnets across at most MaxAZs zones.
func Network(cfg ir.StackConfig) ([]*ir.Resource, error) {
	nat := DefaultNATGateways
	if cfg.NATGateways != nil {
		nat = *cfg.NATGateways
	}
	return []*ir.Resource{
		resource(IDNetwork, ir.KindNetwork, map[string]any{
			"name":        namef(cfg, "vpc"),
			"cidr":        cfg.VPCCIDR,
			"maxAzs":      cfg.MaxAZs,
			"natGateways": nat,
			"clusterName": cfg.ClusterName,
			"subnets": []any{
				subnetTier("Front", "public"),
				subnetTier("EKS-Application", "private"),
				subnetTier("DataStore", "isolated"),
			},
			"tags": tags(cfg),
		}),
	}, nil
}

func subnetTier(name, typ string) map[string]any {
	return map[string]any{"name": name, "type": typ, "cidrMask": 24}
}

// Cluster declares the control plane with its managed node group and the
// roles it needs. The owner role is assumable by the account root and is
// granted cluster admin.
func Cluster(cfg ir.StackConfig) ([]*ir.Resource, error) {
	owner := resource(IDClusterOwnerRole, ir.KindRole, map[string]any{
		"name":        namef(cfg, "cluster-owner"),
		"description": "Administers the " + cfg.ClusterName + " cluster",
		"assumedBy":   map[string]any{"accountRoot": true},
		"tags":        tags(cfg),
	})
	service := resource(IDClusterServiceRole, ir.KindRole, map[string]any{
		"name":            namef(cfg, "cluster-service"),
		"assumedBy":       map[string]any{"service": "eks.amazonaws.com"},
		"managedPolicies": []any{"AmazonEKSClusterPolicy"},
		"tags":            tags(cfg),
	})
	node := resource(IDNodeRole, ir.KindRole, map[string]any{
		"name":      namef(cfg, "node"),
		"assumedBy": map[string]any{"service": "ec2.amazonaws.com"},
		"managedPolicies": []any{
			"AmazonEKSWorkerNodePolicy",
			"AmazonEKS_CNI_Policy",
			"AmazonEC2ContainerRegistryReadOnly",
		},
		"tags": tags(cfg),
	})

	count := cfg.NodeCount
	cluster := resource(IDCluster, ir.KindCluster, map[string]any{
		"name":             cfg.ClusterName,
		"version":          cfg.KubernetesVersion,
		"roleArn":          Ref(IDClusterServiceRole, ir.OutputARN),
		"publicSubnetIds":  Ref(IDNetwork, ir.OutputPublicSubnetIDs),
		"privateSubnetIds": Ref(IDNetwork, ir.OutputPrivateSubnetIDs),
		"adminRoleArn":     Ref(IDClusterOwnerRole, ir.OutputARN),
		"nodeGroup": map[string]any{
			"name":          namef(cfg, "nodes"),
			"roleArn":       Ref(IDNodeRole, ir.OutputARN),
			"instanceTypes": []any{cfg.NodeInstanceType},
			"desiredSize":   count,
			"minSize":       count,
			"maxSize":       count,
		},
		"tags": tags(cfg),
	}, IDNetwork, IDClusterServiceRole, IDNodeRole, IDClusterOwnerRole)

	return []*ir.Resource{owner, service, node, cluster}, nil
}

// Table declares the message table with provisioned capacity of one read
// and one write unit.
func Table(cfg ir.StackConfig) ([]*ir.Resource, error) {
	return []*ir.Resource{
		resource(IDTable, ir.KindTable, map[string]any{
			"name":             cfg.TableName,
			"partitionKey":     cfg.PartitionKey,
			"partitionKeyType": "S",
			"billingMode":      "PROVISIONED",
			"readCapacity":     1,
			"writeCapacity":    1,
			"tags":             tags(cfg),
		}),
	}, nil
}

// irsaRole declares a role assumable by one service account through the
// cluster's OIDC provider.
func irsaRole(cfg ir.StackConfig, id, name, namespace, serviceAccount string) *ir.Resource {
	return resource(id, ir.KindRole, map[string]any{
		"name": namef(cfg, "%s", name),
		"assumedBy": map[string]any{
			"serviceAccount": map[string]any{
				"oidcProviderArn": Ref(IDCluster, ir.OutputOIDCProviderARN),
				"oidcIssuer":      Ref(IDCluster, ir.OutputOIDCIssuer),
				"namespace":       namespace,
				"name":            serviceAccount,
			},
		},
		"tags": tags(cfg),
	}, IDCluster)
}

func loadPolicy(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid embedded policy: %w", err)
	}
	return doc, nil
}

func backendTablePolicy() map[string]any {
	return map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect": "Allow",
				"Action": []any{
					"dynamodb:List*",
					"dynamodb:DescribeReservedCapacity*",
					"dynamodb:DescribeLimits",
					"dynamodb:DescribeTimeToLive",
				},
				"Resource": []any{"*"},
			},
			map[string]any{
				"Effect": "Allow",
				"Action": []any{
					"dynamodb:BatchGet*",
					"dynamodb:DescribeStream",
					"dynamodb:DescribeTable",
					"dynamodb:Get*",
					"dynamodb:Query",
					"dynamodb:Scan",
					"dynamodb:BatchWrite*",
					"dynamodb:CreateTable",
					"dynamodb:Delete*",
					"dynamodb:Update*",
					"dynamodb:PutItem",
				},
				"Resource": Ref(IDTable, ir.OutputARN),
			},
		},
	}
}
