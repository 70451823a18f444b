package remoteexec

import (
	"context"
	"fmt"
)

// runK8sExec runs cmd inside the pod/container that K8sConfig.PodFor
// resolves for host, via "kubectl exec". This keeps the cluster's own
// RBAC and container boundary in the loop instead of dialing tservers
// directly, matching how the admin tooling is typically reached when
// the universe runs under a Kubernetes operator.
func runK8sExec(ctx context.Context, cfg K8sConfig, cmd Command, host string, opts Options) (stdout, stderr string, err error) {
	if len(cmd.Argv) == 0 {
		return "", "", errEmptyCommand
	}
	if cfg.PodFor == nil {
		return "", "", fmt.Errorf("k8s exec mode requires a pod resolver for host %q", host)
	}

	pod, container := cfg.PodFor(host)
	if pod == "" {
		return "", "", fmt.Errorf("no pod found for host %q", host)
	}

	argv := []string{"kubectl", "exec"}
	if cfg.KubeconfigPath != "" {
		argv = append(argv, "--kubeconfig", cfg.KubeconfigPath)
	}
	if cfg.Namespace != "" {
		argv = append(argv, "--namespace", cfg.Namespace)
	}
	argv = append(argv, pod)
	if container != "" {
		argv = append(argv, "--container", container)
	}
	argv = append(argv, "--")
	argv = append(argv, cmd.Argv...)

	kubectl := New(argv...)
	return runLocal(ctx, kubectl, opts)
}
