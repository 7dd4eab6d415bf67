package ir

// Config represents the top-level stack file.
type Config struct {
	Stack   StackConfig   `pkl:"stack" yaml:"stack" json:"stack"`
	State   StateConfig   `pkl:"state" yaml:"state" json:"state"`
	Backend BackendConfig `pkl:"backend" yaml:"backend" json:"backend"`
	Engine  EngineConfig  `pkl:"engine" yaml:"engine" json:"engine"`

	// Resources are declared in addition to the composed stack.
	Resources []*Resource `pkl:"resources" yaml:"resources,omitempty" json:"resources,omitempty"`

	// External ids exist outside this run and are never created or deleted.
	External []string `pkl:"external" yaml:"external,omitempty" json:"external,omitempty"`

	// Removed ids are torn down on the next apply.
	Removed []string `pkl:"removed" yaml:"removed,omitempty" json:"removed,omitempty"`
}

// StackConfig parameterizes the composed multi-tier stack.
type StackConfig struct {
	// Disabled skips the composed stack so only Resources are planned.
	Disabled bool `pkl:"disabled" yaml:"disabled,omitempty" json:"disabled,omitempty"`

	Region  string `pkl:"region" yaml:"region" json:"region" validate:"required"`
	Account string `pkl:"account" yaml:"account,omitempty" json:"account,omitempty" validate:"omitempty,numeric,len=12"`

	VPCCIDR     string `pkl:"vpcCidr" yaml:"vpcCidr" json:"vpcCidr" validate:"required,cidrv4"`
	MaxAZs      int    `pkl:"maxAzs" yaml:"maxAzs" json:"maxAzs" validate:"gte=1,lte=6"`
	NATGateways *int   `pkl:"natGateways" yaml:"natGateways" json:"natGateways" validate:"omitempty,gte=0,lte=6"`

	ClusterName       string `pkl:"clusterName" yaml:"clusterName" json:"clusterName" validate:"required,max=100"`
	KubernetesVersion string `pkl:"kubernetesVersion" yaml:"kubernetesVersion" json:"kubernetesVersion" validate:"required"`
	NodeInstanceType  string `pkl:"nodeInstanceType" yaml:"nodeInstanceType" json:"nodeInstanceType" validate:"required"`
	NodeCount         int    `pkl:"nodeCount" yaml:"nodeCount" json:"nodeCount" validate:"gte=1"`

	TableName    string `pkl:"tableName" yaml:"tableName" json:"tableName" validate:"required,min=3,max=255"`
	PartitionKey string `pkl:"partitionKey" yaml:"partitionKey" json:"partitionKey" validate:"required"`

	FrontendImage    string `pkl:"frontendImage" yaml:"frontendImage" json:"frontendImage" validate:"required"`
	BackendImage     string `pkl:"backendImage" yaml:"backendImage" json:"backendImage" validate:"required"`
	FrontendReplicas int    `pkl:"frontendReplicas" yaml:"frontendReplicas" json:"frontendReplicas" validate:"gte=1"`
	BackendReplicas  int    `pkl:"backendReplicas" yaml:"backendReplicas" json:"backendReplicas" validate:"gte=1"`

	ALBControllerChartVersion string `pkl:"albControllerChartVersion" yaml:"albControllerChartVersion" json:"albControllerChartVersion"`
	FluentBitChartVersion     string `pkl:"fluentBitChartVersion" yaml:"fluentBitChartVersion" json:"fluentBitChartVersion"`
}

// StateConfig selects and configures the state store.
type StateConfig struct {
	Type string `pkl:"type" yaml:"type" json:"type" validate:"omitempty,oneof=memory file sqlite s3"`

	// Path is the state file (file) or database file (sqlite).
	Path string `pkl:"path" yaml:"path,omitempty" json:"path,omitempty"`

	Bucket    string `pkl:"bucket" yaml:"bucket,omitempty" json:"bucket,omitempty" validate:"required_if=Type s3"`
	Prefix    string `pkl:"prefix" yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region    string `pkl:"region" yaml:"region,omitempty" json:"region,omitempty"`
	LockTable string `pkl:"lockTable" yaml:"lockTable,omitempty" json:"lockTable,omitempty" validate:"required_if=Type s3"`
	Encrypt   bool   `pkl:"encrypt" yaml:"encrypt,omitempty" json:"encrypt,omitempty"`
}

// BackendConfig selects where resources are provisioned.
type BackendConfig struct {
	// Mode is "null" (in-memory, no cloud calls) or "live".
	Mode        string `pkl:"mode" yaml:"mode" json:"mode" validate:"omitempty,oneof=null live"`
	Region      string `pkl:"region" yaml:"region,omitempty" json:"region,omitempty"`
	Profile     string `pkl:"profile" yaml:"profile,omitempty" json:"profile,omitempty"`
	Kubeconfig  string `pkl:"kubeconfig" yaml:"kubeconfig,omitempty" json:"kubeconfig,omitempty"`
	KubeContext string `pkl:"kubeContext" yaml:"kubeContext,omitempty" json:"kubeContext,omitempty"`

	// ClusterID names the Cluster descriptor whose recorded endpoint is used
	// when Kubeconfig is empty. Defaults to "cluster".
	ClusterID string `pkl:"clusterId" yaml:"clusterId,omitempty" json:"clusterId,omitempty"`
}

// EngineConfig tunes retry and scheduling. Durations use Go syntax ("2s").
type EngineConfig struct {
	MaxAttempts int    `pkl:"maxAttempts" yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty" validate:"gte=0,lte=50"`
	BaseDelay   string `pkl:"baseDelay" yaml:"baseDelay,omitempty" json:"baseDelay,omitempty"`
	MaxDelay    string `pkl:"maxDelay" yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
	Parallelism int    `pkl:"parallelism" yaml:"parallelism,omitempty" json:"parallelism,omitempty" validate:"gte=0,lte=64"`
	RunTimeout  string `pkl:"runTimeout" yaml:"runTimeout,omitempty" json:"runTimeout,omitempty"`
}
