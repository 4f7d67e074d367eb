package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/floww-sh/floww/internal/store"
)

// KubernetesBackend materializes runtimes as pods on demand. Provisioning is
// a no-op: the pod for a runtime is created at first invocation and reaped
// by the maintenance pass.
type KubernetesBackend struct {
	clientset kubernetes.Interface
	namespace string
	log       *zap.Logger
}

var _ Backend = (*KubernetesBackend)(nil)

func NewKubernetesBackend(log *zap.Logger) (*KubernetesBackend, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		// Outside a cluster fall back to the local kubeconfig.
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	namespace := os.Getenv("RUNTIME_NAMESPACE")
	if namespace == "" {
		namespace = "floww-runtimes"
	}
	return &KubernetesBackend{clientset: clientset, namespace: namespace, log: log}, nil
}

func podName(runtimeID string) string {
	return "floww-runtime-" + runtimeID
}

// CreateRuntime is a no-op: pods materialize at invocation time.
func (k *KubernetesBackend) CreateRuntime(ctx context.Context, rt *store.Runtime, img string) (*ProvisionState, error) {
	return &ProvisionState{
		Status: store.RuntimeCompleted,
		Logs:   []string{"pod backend provisions on demand"},
	}, nil
}

func (k *KubernetesBackend) RuntimeStatus(ctx context.Context, rt *store.Runtime) (*ProvisionState, error) {
	pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, podName(rt.ID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		// No pod yet still counts as provisioned for this backend.
		return &ProvisionState{Status: store.RuntimeCompleted}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime pod: %w", err)
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return &ProvisionState{Status: store.RuntimeInProgress}, nil
	case corev1.PodRunning, corev1.PodSucceeded:
		return &ProvisionState{Status: store.RuntimeCompleted}, nil
	default:
		return &ProvisionState{
			Status: store.RuntimeFailed,
			Logs:   []string{"pod phase: " + string(pod.Status.Phase)},
		}, nil
	}
}

// InvokeTrigger launches a single-execution pod carrying the payload in its
// environment.
func (k *KubernetesBackend) InvokeTrigger(ctx context.Context, rt *store.Runtime, img string, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	suffix := payload.ExecutionID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: podName(rt.ID) + "-" + suffix,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "floww",
				labelRuntimeID:                 rt.ID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "workflow",
				Image: img,
				Env: []corev1.EnvVar{{
					Name:  "FLOWW_PAYLOAD",
					Value: string(body),
				}},
			}},
		},
	}
	_, err = k.clientset.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create execution pod: %w", err)
	}
	return nil
}

// TeardownUnusedRuntimes deletes finished execution pods.
func (k *KubernetesBackend) TeardownUnusedRuntimes(ctx context.Context) error {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app.kubernetes.io/managed-by=floww",
	})
	if err != nil {
		return fmt.Errorf("list runtime pods: %w", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
			continue
		}
		k.log.Info("removing finished execution pod", zap.String("pod", pod.Name))
		err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			k.log.Error("delete execution pod failed", zap.String("pod", pod.Name), zap.Error(err))
		}
	}
	return nil
}
