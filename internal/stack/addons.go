package stack

import (
	"github.com/picklr-io/tierctl/internal/ir"
)

const (
	kubeSystem = "kube-system"

	albControllerName    = "aws-load-balancer-controller"
	cloudWatchNamespace  = "amazon-cloudwatch"
	cloudWatchSAName     = "cloudwatch-sa"
	fluentBitReleaseName = "aws-for-fluent-bit"
)

// LoadBalancerController installs the AWS Load Balancer Controller into
// kube-system with an IRSA role carrying its IAM policy.
func LoadBalancerController(cfg ir.StackConfig) ([]*ir.Resource, error) {
	policy, err := loadPolicy(albControllerPolicy)
	if err != nil {
		return nil, err
	}
	role := irsaRole(cfg, IDALBControllerRole, "alb-controller", kubeSystem, albControllerName)
	role.Properties["inlinePolicies"] = map[string]any{
		"AWSLoadBalancerControllerIAMPolicy": policy,
	}

	sa, err := manifestResource(IDALBControllerSA, ir.KindServiceAccount,
		serviceAccount(albControllerName, kubeSystem, Ref(IDALBControllerRole, ir.OutputARN)),
		IDCluster, IDALBControllerRole)
	if err != nil {
		return nil, err
	}

	release := resource(IDALBControllerRelease, ir.KindHelmRelease, map[string]any{
		"name":            albControllerName,
		"namespace":       kubeSystem,
		"chart":           albControllerName,
		"repo":            EKSChartsRepo,
		"version":         cfg.ALBControllerChartVersion,
		"createNamespace": false,
		"values": map[string]any{
			"clusterName": cfg.ClusterName,
			"region":      cfg.Region,
			"vpcId":       Ref(IDNetwork, ir.OutputVPCID),
			"serviceAccount": map[string]any{
				"create": false,
				"name":   albControllerName,
			},
		},
	}, IDCluster, IDALBControllerSA)

	return []*ir.Resource{role, sa, release}, nil
}

// Logging ships container logs to CloudWatch with the aws-for-fluent-bit
// daemonset running under its own namespace and IRSA role.
func Logging(cfg ir.StackConfig) ([]*ir.Resource, error) {
	ns, err := manifestResource(IDCloudWatchNamespace, ir.KindNamespace,
		namespace(cloudWatchNamespace, map[string]string{"name": cloudWatchNamespace}), IDCluster)
	if err != nil {
		return nil, err
	}

	role := irsaRole(cfg, IDCloudWatchRole, "cloudwatch", cloudWatchNamespace, cloudWatchSAName)
	role.Properties["managedPolicies"] = []any{"CloudWatchAgentServerPolicy"}

	sa, err := manifestResource(IDCloudWatchSA, ir.KindServiceAccount,
		serviceAccount(cloudWatchSAName, cloudWatchNamespace, Ref(IDCloudWatchRole, ir.OutputARN)),
		IDCloudWatchNamespace, IDCloudWatchRole)
	if err != nil {
		return nil, err
	}

	release := resource(IDFluentBitRelease, ir.KindHelmRelease, map[string]any{
		"name":            fluentBitReleaseName,
		"namespace":       cloudWatchNamespace,
		"chart":           fluentBitReleaseName,
		"repo":            EKSChartsRepo,
		"version":         cfg.FluentBitChartVersion,
		"createNamespace": false,
		"values": map[string]any{
			"serviceAccount": map[string]any{
				"name":   cloudWatchSAName,
				"create": false,
			},
			"kinesis":       map[string]any{"enabled": false},
			"elasticsearch": map[string]any{"enabled": false},
			"firehose":      map[string]any{"enabled": false},
			"cloudWatch":    map[string]any{"region": cfg.Region},
		},
	}, IDCloudWatchNamespace, IDCloudWatchSA)

	return []*ir.Resource{ns, role, sa, release}, nil
}
