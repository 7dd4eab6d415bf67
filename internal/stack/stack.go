// Package stack composes the descriptors of the multi-tier stack: network,
// cluster, cluster add-ons, data store and the two application tiers.
package stack

import (
	"fmt"

	"github.com/picklr-io/tierctl/internal/engine"
	"github.com/picklr-io/tierctl/internal/ir"
)

// Descriptor ids of the composed stack.
const (
	IDNetwork            = "vpc"
	IDClusterOwnerRole   = "cluster-owner-role"
	IDClusterServiceRole = "cluster-service-role"
	IDNodeRole           = "node-role"
	IDCluster            = "cluster"

	IDALBControllerRole    = "alb-controller-role"
	IDALBControllerSA      = "alb-controller-sa"
	IDALBControllerRelease = "alb-controller"

	IDCloudWatchNamespace = "cloudwatch-ns"
	IDCloudWatchRole      = "cloudwatch-role"
	IDCloudWatchSA        = "cloudwatch-sa"
	IDFluentBitRelease    = "fluent-bit"

	IDTable = "table"

	IDFrontendNamespace  = "frontend-ns"
	IDFrontendDeployment = "frontend-deployment"
	IDFrontendService    = "frontend-service"
	IDFrontendIngress    = "frontend-ingress"

	IDBackendNamespace  = "backend-ns"
	IDBackendRole       = "backend-role"
	IDBackendSA         = "backend-sa"
	IDBackendDeployment = "backend-deployment"
	IDBackendService    = "backend-service"
)

// Defaults of the stack parameters.
const (
	DefaultVPCCIDR           = "10.10.0.0/16"
	DefaultMaxAZs            = 2
	DefaultNATGateways       = 1
	DefaultClusterName       = "ekshandson"
	DefaultKubernetesVersion = "1.29"
	DefaultNodeInstanceType  = "t3.small"
	DefaultNodeCount         = 1
	DefaultTableName         = "messages"
	DefaultPartitionKey      = "uuid"
	DefaultReplicas          = 1

	DefaultALBControllerChartVersion = "1.7.1"
	DefaultFluentBitChartVersion     = "0.1.16"
)

// EKSChartsRepo hosts the add-on charts.
const EKSChartsRepo = "https://aws.github.io/eks-charts"

// Producer returns the descriptors of one resource group.
type Producer func(cfg ir.StackConfig) ([]*ir.Resource, error)

// Producers lists the resource groups in declaration order.
var Producers = []Producer{
	Network,
	Cluster,
	LoadBalancerController,
	Logging,
	Table,
	Frontend,
	Backend,
}

// ApplyDefaults fills unset stack parameters.
func ApplyDefaults(cfg *ir.StackConfig) {
	setString(&cfg.VPCCIDR, DefaultVPCCIDR)
	setInt(&cfg.MaxAZs, DefaultMaxAZs)
	if cfg.NATGateways == nil {
		n := DefaultNATGateways
		cfg.NATGateways = &n
	}
	setString(&cfg.ClusterName, DefaultClusterName)
	setString(&cfg.KubernetesVersion, DefaultKubernetesVersion)
	setString(&cfg.NodeInstanceType, DefaultNodeInstanceType)
	setInt(&cfg.NodeCount, DefaultNodeCount)
	setString(&cfg.TableName, DefaultTableName)
	setString(&cfg.PartitionKey, DefaultPartitionKey)
	setInt(&cfg.FrontendReplicas, DefaultReplicas)
	setInt(&cfg.BackendReplicas, DefaultReplicas)
	setString(&cfg.ALBControllerChartVersion, DefaultALBControllerChartVersion)
	setString(&cfg.FluentBitChartVersion, DefaultFluentBitChartVersion)
}

// Compose returns the descriptors of every producer followed by the
// resources declared in the stack file. Removed ids are appended as
// removal markers. The graph is not built here.
func Compose(cfg *ir.Config) ([]*ir.Resource, error) {
	var out []*ir.Resource
	if !cfg.Stack.Disabled {
		for _, produce := range Producers {
			resources, err := produce(cfg.Stack)
			if err != nil {
				return nil, err
			}
			out = append(out, resources...)
		}
	}
	for _, res := range cfg.Resources {
		out = append(out, res.Clone())
	}
	for _, id := range cfg.Removed {
		out = append(out, &ir.Resource{ID: id, Removed: true})
	}
	return out, nil
}

// Ref addresses the handle id of id, or one of its outputs.
func Ref(id string, output ...string) string {
	if len(output) == 0 {
		return engine.RefPrefix + id
	}
	return engine.RefPrefix + id + "/" + output[0]
}

func resource(id string, kind ir.Kind, props map[string]any, deps ...string) *ir.Resource {
	return &ir.Resource{ID: id, Kind: kind, DependsOn: deps, Properties: props}
}

func tags(cfg ir.StackConfig) map[string]any {
	return map[string]any{
		"tierctl:stack":   cfg.ClusterName,
		"tierctl:managed": "true",
	}
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func namef(cfg ir.StackConfig, format string, args ...any) string {
	return cfg.ClusterName + "-" + fmt.Sprintf(format, args...)
}
