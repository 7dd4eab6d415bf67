package ir

// Output names published in Handle.Outputs and addressed by ref://<id>/<output>.
const (
	OutputARN  = "arn"
	OutputName = "name"

	OutputVPCID             = "vpcId"
	OutputPublicSubnetIDs   = "publicSubnetIds"
	OutputPrivateSubnetIDs  = "privateSubnetIds"
	OutputIsolatedSubnetIDs = "isolatedSubnetIds"

	OutputEndpoint               = "endpoint"
	OutputCertificateAuthority   = "certificateAuthority"
	OutputOIDCIssuer             = "oidcIssuer"
	OutputOIDCProviderARN        = "oidcProviderArn"
	OutputClusterSecurityGroupID = "clusterSecurityGroupId"

	OutputNamespace = "namespace"
	OutputRevision  = "revision"
)
