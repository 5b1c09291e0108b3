package provisioner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// DefaultVPNImage is the default WireGuard server image.
	DefaultVPNImage = "ghcr.io/burrowvpn/burrow-wireguard:latest"

	// SessionLabelKey is the label key for session identification.
	SessionLabelKey = "burrow.io/session-id"

	// ComponentLabelKey is the label key for component identification.
	ComponentLabelKey = "app.kubernetes.io/component"

	// BytesAnnotationKey is the pod annotation the VPN workload's agent
	// updates with the cumulative tunnel byte count.
	BytesAnnotationKey = "burrow.io/bytes-transferred"

	// bytesLogPrefix is the log-line fallback when the annotation is absent.
	bytesLogPrefix = "bytes-transferred="

	defaultListenPort = 51820
	readyPollInterval = 2 * time.Second
	logTailLines      = int64(200)
)

// KubernetesProvisioner runs each VPN session as one pod in a namespace.
type KubernetesProvisioner struct {
	client    kubernetes.Interface
	namespace string
}

// NewKubernetesProvisioner creates a provisioner using in-cluster config,
// or the given kubeconfig path when running outside a cluster.
func NewKubernetesProvisioner(namespace, kubeconfig string) (*KubernetesProvisioner, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewKubernetesProvisionerWithClient(client, namespace), nil
}

// NewKubernetesProvisionerWithClient creates a provisioner with an injected
// clientset (for testing with the fake clientset).
func NewKubernetesProvisionerWithClient(client kubernetes.Interface, namespace string) *KubernetesProvisioner {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesProvisioner{client: client, namespace: namespace}
}

// Type returns the backend type.
func (p *KubernetesProvisioner) Type() Type { return TypeKubernetes }

// podName returns the DNS-1123 compliant pod name for a session.
func podName(sessionID string) string {
	return fmt.Sprintf("burrow-session-%s", sessionID)
}

// buildPodSpec creates the pod specification for a VPN session.
func (p *KubernetesProvisioner) buildPodSpec(spec *InstanceSpec) *corev1.Pod {
	image := spec.Image
	if image == "" {
		image = DefaultVPNImage
	}
	port := spec.ListenPort
	if port == 0 {
		port = defaultListenPort
	}

	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if spec.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(spec.MemoryLimit)
	}
	if spec.CPURequest != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(spec.CPURequest)
	}
	if spec.MemoryRequest != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(spec.MemoryRequest)
	}

	env := []corev1.EnvVar{
		{Name: "BURROW_SESSION_ID", Value: spec.SessionID},
		{Name: "WG_LISTEN_PORT", Value: strconv.Itoa(port)},
	}
	if spec.ServerKeyRef != "" {
		env = append(env, corev1.EnvVar{Name: "WG_SERVER_KEY_REF", Value: spec.ServerKeyRef})
	}

	privileged := false
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(spec.SessionID),
			Namespace: p.namespace,
			Labels: map[string]string{
				SessionLabelKey:   spec.SessionID,
				ComponentLabelKey: "vpn-session",
			},
			Annotations: map[string]string{
				"burrow.io/user-id":    spec.UserID,
				"burrow.io/created-at": time.Now().UTC().Format(time.RFC3339),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "wireguard",
					Image: image,
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(port), Protocol: corev1.ProtocolUDP},
					},
					Env: env,
					Resources: corev1.ResourceRequirements{
						Limits:   limits,
						Requests: requests,
					},
					SecurityContext: &corev1.SecurityContext{
						Privileged: &privileged,
						Capabilities: &corev1.Capabilities{
							// WireGuard needs NET_ADMIN to configure the interface
							Add: []corev1.Capability{"NET_ADMIN"},
						},
					},
				},
			},
		},
	}
}

// Create provisions the session pod and returns its handle.
func (p *KubernetesProvisioner) Create(ctx context.Context, spec *InstanceSpec) (*Instance, error) {
	pod := p.buildPodSpec(spec)
	created, err := p.client.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			// A retry after a timeout may find the pod from the first
			// attempt; reuse it rather than failing.
			return &Instance{Ref: pod.Name}, nil
		}
		return nil, fmt.Errorf("failed to create pod: %w", err)
	}
	return &Instance{Ref: created.Name, IP: created.Status.PodIP}, nil
}

// Delete removes the session pod. Deleting a non-existent pod succeeds.
func (p *KubernetesProvisioner) Delete(ctx context.Context, ref string) error {
	err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, ref, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", ref, err)
	}
	return nil
}

// WaitForReady polls until the pod reports ready or the timeout expires.
func (p *KubernetesProvisioner) WaitForReady(ctx context.Context, ref string, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, readyPollInterval, timeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, ref, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, nil
				}
				return false, err
			}
			if pod.Status.Phase == corev1.PodFailed {
				return false, fmt.Errorf("pod %s failed: %s", ref, pod.Status.Reason)
			}
			for _, cond := range pod.Status.Conditions {
				if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
					return true, nil
				}
			}
			return false, nil
		})
}

// GetStatus returns the pod's phase, IP, and byte counter. The byte count
// comes from the workload's status annotation, falling back to the log
// stream; -1 means neither source was available.
func (p *KubernetesProvisioner) GetStatus(ctx context.Context, ref string) (*InstanceStatus, error) {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return &InstanceStatus{Phase: PhaseNotFound, BytesTransferred: -1}, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pod %s: %w", ref, err)
	}

	status := &InstanceStatus{
		Phase:            mapPodPhase(pod.Status.Phase),
		IP:               pod.Status.PodIP,
		BytesTransferred: -1,
	}

	if raw, ok := pod.Annotations[BytesAnnotationKey]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			status.BytesTransferred = n
			return status, nil
		}
	}

	if logs, err := p.GetLogs(ctx, ref); err == nil {
		if n, ok := ParseBytesFromLogs(logs); ok {
			status.BytesTransferred = n
		}
	}
	return status, nil
}

// GetLogs returns the tail of the session container's log.
func (p *KubernetesProvisioner) GetLogs(ctx context.Context, ref string) (string, error) {
	tail := logTailLines
	req := p.client.CoreV1().Pods(p.namespace).GetLogs(ref, &corev1.PodLogOptions{TailLines: &tail})
	data, err := req.DoRaw(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to fetch logs for pod %s: %w", ref, err)
	}
	return string(data), nil
}

// Healthy returns true if the API server responds.
func (p *KubernetesProvisioner) Healthy(ctx context.Context) bool {
	_, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err == nil
}

// Close is a no-op; the clientset holds no closable resources.
func (p *KubernetesProvisioner) Close() error { return nil }

func mapPodPhase(phase corev1.PodPhase) Phase {
	switch phase {
	case corev1.PodPending:
		return PhasePending
	case corev1.PodRunning:
		return PhaseRunning
	case corev1.PodSucceeded:
		return PhaseSucceeded
	case corev1.PodFailed:
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}

// ParseBytesFromLogs scans log output for the last "bytes-transferred=N"
// marker emitted by the workload agent.
func ParseBytesFromLogs(logs string) (int64, bool) {
	var (
		result int64
		found  bool
	)
	for _, line := range strings.Split(logs, "\n") {
		idx := strings.LastIndex(line, bytesLogPrefix)
		if idx < 0 {
			continue
		}
		field := line[idx+len(bytesLogPrefix):]
		if end := strings.IndexFunc(field, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
			field = field[:end]
		}
		if n, err := strconv.ParseInt(field, 10, 64); err == nil {
			result = n
			found = true
		}
	}
	return result, found
}
