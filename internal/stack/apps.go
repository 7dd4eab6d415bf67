package stack

import (
	"fmt"

	"github.com/picklr-io/tierctl/internal/ir"
	corev1 "k8s.io/api/core/v1"
)

const (
	frontendName = "frontend"
	backendName  = "backend"
	appPort      = 5000

	backendServiceAccount = "backend-service-account"
)

// BackendURL is where the frontend reaches the backend service.
var BackendURL = fmt.Sprintf("http://%s.%s:%d/messages", backendName, backendName, appPort)

// Frontend serves the web tier behind an internet-facing ALB.
func Frontend(cfg ir.StackConfig) ([]*ir.Resource, error) {
	ns, err := manifestResource(IDFrontendNamespace, ir.KindNamespace,
		namespace(frontendName, nil), IDCluster)
	if err != nil {
		return nil, err
	}
	dep, err := manifestResource(IDFrontendDeployment, ir.KindWorkload, deployment(deploymentSpec{
		name:      frontendName,
		namespace: frontendName,
		image:     cfg.FrontendImage,
		replicas:  cfg.FrontendReplicas,
		port:      appPort,
		env:       []corev1.EnvVar{{Name: "BACKEND_URL", Value: BackendURL}},
	}), IDFrontendNamespace)
	if err != nil {
		return nil, err
	}
	svc, err := manifestResource(IDFrontendService, ir.KindService,
		service(frontendName, frontendName, corev1.ServiceTypeNodePort, 80, appPort), IDFrontendDeployment)
	if err != nil {
		return nil, err
	}
	ing, err := manifestResource(IDFrontendIngress, ir.KindIngress,
		albIngress(frontendName, frontendName, frontendName, 80), IDFrontendService, IDALBControllerRelease)
	if err != nil {
		return nil, err
	}
	return []*ir.Resource{ns, dep, svc, ing}, nil
}

// Backend serves the message API from the table through an IRSA role.
func Backend(cfg ir.StackConfig) ([]*ir.Resource, error) {
	ns, err := manifestResource(IDBackendNamespace, ir.KindNamespace,
		namespace(backendName, nil), IDCluster)
	if err != nil {
		return nil, err
	}

	role := irsaRole(cfg, IDBackendRole, "backend", backendName, backendServiceAccount)
	role.DependsOn = append(role.DependsOn, IDTable)
	role.Properties["inlinePolicies"] = map[string]any{
		"dynamodb-messages": backendTablePolicy(),
	}

	sa, err := manifestResource(IDBackendSA, ir.KindServiceAccount,
		serviceAccount(backendServiceAccount, backendName, Ref(IDBackendRole, ir.OutputARN)),
		IDBackendNamespace, IDBackendRole)
	if err != nil {
		return nil, err
	}
	dep, err := manifestResource(IDBackendDeployment, ir.KindWorkload, deployment(deploymentSpec{
		name:           backendName,
		namespace:      backendName,
		image:          cfg.BackendImage,
		replicas:       cfg.BackendReplicas,
		port:           appPort,
		serviceAccount: backendServiceAccount,
		env: []corev1.EnvVar{
			{Name: "AWS_DEFAULT_REGION", Value: cfg.Region},
			{Name: "DYNAMODB_TABLE_NAME", Value: Ref(IDTable, ir.OutputName)},
		},
	}), IDBackendSA)
	if err != nil {
		return nil, err
	}
	svc, err := manifestResource(IDBackendService, ir.KindService,
		service(backendName, backendName, corev1.ServiceTypeClusterIP, appPort, appPort), IDBackendDeployment)
	if err != nil {
		return nil, err
	}
	return []*ir.Resource{ns, role, sa, dep, svc}, nil
}
