// Package k8s runs each worker as a bare pod on a Kubernetes cluster. It is
// the second scheduler of the remote-cluster backend.
package k8s

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"appforge/pkg/config"
	"appforge/pkg/deploy/workerstate"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

const (
	backendName = "cluster"

	labelApp       = "app"
	labelAppValue  = "appforge-worker"
	labelRequestID = "appforge/request-id"

	workerContainer = "worker"
)

// Kubernetes DNS-1123 label: lowercase alphanumerics and '-', max 63 characters
var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

type podState struct {
	requestID   string
	terminating bool
}

// PodProvider implements interfaces.WorkerLifecycle with one pod per worker.
type PodProvider struct {
	client       kubernetes.Interface
	cfg          config.KubernetesConfig
	image        string
	template     *corev1.Pod
	tracker      *workerstate.Tracker
	pollInterval time.Duration
	startTimeout time.Duration

	mu   sync.Mutex
	pods map[string]*podState
}

var _ interfaces.WorkerLifecycle = (*PodProvider)(nil)

// NewPodProvider creates the Kubernetes scheduler from in-cluster config or a kubeconfig file.
func NewPodProvider(cfg *config.Config) (*PodProvider, error) {
	restCfg, err := loadRestConfig(cfg.Cluster.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %v", err)
	}

	var tmpl *corev1.Pod
	if cfg.Cluster.Kubernetes.PodTemplate != "" {
		tmpl, err = LoadPodTemplate(cfg.Cluster.Kubernetes.PodTemplate)
		if err != nil {
			return nil, err
		}
	}

	image := cfg.Cluster.Kubernetes.Image
	if image == "" {
		image = cfg.Docker.Image
	}
	return newPodProvider(client, cfg.Cluster.Kubernetes, image, tmpl,
		config.Seconds(cfg.Cluster.PollInterval), config.Seconds(cfg.Session.SpawnTimeout)), nil
}

func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %v", kubeconfig, err)
		}
		return restCfg, nil
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		// If not in cluster, try to use default kubeconfig
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		restCfg, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %v", err)
		}
	}
	return restCfg, nil
}

// LoadPodTemplate reads a pod manifest used as the base for every worker pod.
func LoadPodTemplate(path string) (*corev1.Pod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pod template: %v", err)
	}
	var pod corev1.Pod
	if err := yaml.Unmarshal(data, &pod); err != nil {
		return nil, fmt.Errorf("failed to parse pod template %s: %v", path, err)
	}
	return &pod, nil
}

func newPodProvider(client kubernetes.Interface, cfg config.KubernetesConfig, image string, tmpl *corev1.Pod, pollInterval, startTimeout time.Duration) *PodProvider {
	return &PodProvider{
		client:       client,
		cfg:          cfg,
		image:        image,
		template:     tmpl,
		tracker:      workerstate.New(backendName),
		pollInterval: pollInterval,
		startTimeout: startTimeout,
		pods:         make(map[string]*podState),
	}
}

// Name returns the backend name.
func (p *PodProvider) Name() string { return backendName }

func labelValue(s string) string {
	v := strings.Trim(invalidLabelChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(v) > 40 {
		v = strings.TrimRight(v[:40], "-")
	}
	if v == "" {
		v = "req"
	}
	return v
}

func podName(requestID string) string {
	return fmt.Sprintf("appforge-worker-%s-%s", labelValue(requestID), uuid.NewString()[:5])
}

// buildPod renders the worker pod from the template (if any) and the spawn config.
func (p *PodProvider) buildPod(spawnCfg *interfaces.WorkerSpawnConfig) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if p.template != nil {
		pod = p.template.DeepCopy()
	}

	pod.Name = podName(spawnCfg.RequestID)
	pod.Namespace = p.cfg.Namespace
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[labelApp] = labelAppValue
	pod.Labels[labelRequestID] = labelValue(spawnCfg.RequestID)
	pod.Spec.RestartPolicy = corev1.RestartPolicyNever
	if p.cfg.ServiceAcct != "" {
		pod.Spec.ServiceAccountName = p.cfg.ServiceAcct
	}

	idx := -1
	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Name == workerContainer {
			idx = i
			break
		}
	}
	if idx < 0 {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: workerContainer})
		idx = len(pod.Spec.Containers) - 1
	}
	c := &pod.Spec.Containers[idx]

	image := spawnCfg.Image
	if image == "" {
		image = p.image
	}
	if image != "" {
		c.Image = image
	}
	if c.Image == "" {
		return nil, fmt.Errorf("no worker image configured")
	}

	for _, kv := range spawnCfg.EnvList() {
		name, value, _ := strings.Cut(kv, "=")
		c.Env = append(c.Env, corev1.EnvVar{Name: name, Value: value})
	}

	if p.cfg.CPU != "" || p.cfg.Memory != "" {
		if c.Resources.Requests == nil {
			c.Resources.Requests = corev1.ResourceList{}
		}
		if c.Resources.Limits == nil {
			c.Resources.Limits = corev1.ResourceList{}
		}
		if p.cfg.CPU != "" {
			q, err := resource.ParseQuantity(p.cfg.CPU)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu quantity %q: %v", p.cfg.CPU, err)
			}
			c.Resources.Requests[corev1.ResourceCPU] = q
			c.Resources.Limits[corev1.ResourceCPU] = q
		}
		if p.cfg.Memory != "" {
			q, err := resource.ParseQuantity(p.cfg.Memory)
			if err != nil {
				return nil, fmt.Errorf("invalid memory quantity %q: %v", p.cfg.Memory, err)
			}
			c.Resources.Requests[corev1.ResourceMemory] = q
			c.Resources.Limits[corev1.ResourceMemory] = q
		}
	}
	return pod, nil
}

// Spawn creates the worker pod and follows it until it terminates.
func (p *PodProvider) Spawn(ctx context.Context, spawnCfg *interfaces.WorkerSpawnConfig) (interfaces.WorkerHandle, error) {
	pod, err := p.buildPod(spawnCfg)
	if err != nil {
		return interfaces.WorkerHandle{}, orcherr.NewSpawnConfigError(backendName, err)
	}

	created, err := p.client.CoreV1().Pods(p.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return interfaces.WorkerHandle{}, classifyCreateError(err)
	}

	name := created.Name
	handle := p.tracker.Add(name)
	p.tracker.Starting(name)

	p.mu.Lock()
	p.pods[name] = &podState{requestID: spawnCfg.RequestID}
	p.mu.Unlock()

	logCtx := logger.WithRequestID(context.Background(), spawnCfg.RequestID)
	logger.InfoCtx(logCtx, "worker pod created, name: %s, namespace: %s", name, p.cfg.Namespace)

	go p.poll(logCtx, name)
	return handle, nil
}

func classifyCreateError(err error) error {
	switch {
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return orcherr.NewCapacityError(backendName, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsForbidden(err), apierrors.IsNotFound(err):
		return orcherr.NewSpawnConfigError(backendName, err)
	default:
		// AlreadyExists, TooManyRequests, timeouts and unavailability are retried
		return orcherr.NewCapacityError(backendName, err)
	}
}

// podOutcome is what one observation of a pod means for the worker.
type podOutcome struct {
	running  bool
	done     bool
	exitCode *int
	reason   string
	stuck    bool // pending forever; the pod must be deleted
}

// waiting reasons a pending pod never recovers from on its own
var unstartable = map[string]bool{
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"ImageInspectError":          true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
	"RunContainerError":          true,
}

func observePod(pod *corev1.Pod) podOutcome {
	switch pod.Status.Phase {
	case corev1.PodPending:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil && unstartable[cs.State.Waiting.Reason] {
				return podOutcome{done: true, stuck: true, reason: cs.State.Waiting.Reason + ": " + cs.State.Waiting.Message}
			}
		}
		return podOutcome{}
	case corev1.PodRunning:
		return podOutcome{running: true}
	case corev1.PodSucceeded, corev1.PodFailed:
		out := podOutcome{done: true, reason: pod.Status.Reason}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == workerContainer && cs.State.Terminated != nil {
				code := int(cs.State.Terminated.ExitCode)
				out.exitCode = &code
				if cs.State.Terminated.Reason != "" {
					out.reason = cs.State.Terminated.Reason
				}
			}
		}
		if out.exitCode == nil && pod.Status.Phase == corev1.PodSucceeded {
			zero := 0
			out.exitCode = &zero
		}
		return out
	default:
		return podOutcome{}
	}
}

func (p *PodProvider) poll(ctx context.Context, name string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(p.startTimeout)
	pods := p.client.CoreV1().Pods(p.cfg.Namespace)

	for range ticker.C {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				p.finish(name, nil, "pod deleted")
				return
			}
			logger.WarnCtx(ctx, "failed to get worker pod %s: %v", name, err)
			continue
		}

		out := observePod(pod)
		switch {
		case out.done:
			if out.stuck {
				p.deletePod(ctx, name)
			}
			p.finish(name, out.exitCode, out.reason)
			logger.InfoCtx(ctx, "worker pod finished, name: %s, reason: %s", name, out.reason)
			return
		case out.running:
			p.tracker.Running(name)
		default:
			st, _ := p.tracker.Status(name)
			if st != nil && st.State == interfaces.WorkerStarting && time.Now().After(deadline) {
				logger.WarnCtx(ctx, "worker pod %s not running after %s, deleting", name, p.startTimeout)
				p.tracker.Failed(name, fmt.Sprintf("pod did not reach Running within %s", p.startTimeout))
				p.forget(name)
				p.deletePod(ctx, name)
				return
			}
		}
	}
}

func (p *PodProvider) deletePod(ctx context.Context, name string) {
	err := p.client.CoreV1().Pods(p.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		logger.ErrorCtx(ctx, "failed to delete worker pod %s: %v", name, err)
	}
}

func (p *PodProvider) finish(name string, code *int, reason string) {
	p.mu.Lock()
	st := p.pods[name]
	delete(p.pods, name)
	p.mu.Unlock()

	switch {
	case st != nil && st.terminating:
		p.tracker.Stopped(name, "terminated")
	case code != nil:
		p.tracker.Exited(name, *code, reason)
	default:
		p.tracker.Failed(name, reason)
	}
}

func (p *PodProvider) forget(name string) {
	p.mu.Lock()
	delete(p.pods, name)
	p.mu.Unlock()
}

// Terminate deletes the worker pod.
func (p *PodProvider) Terminate(ctx context.Context, handle interfaces.WorkerHandle) error {
	p.mu.Lock()
	st, tracked := p.pods[handle.ID]
	if tracked {
		st.terminating = true
	}
	p.mu.Unlock()

	grace := int64(5)
	err := p.client.CoreV1().Pods(p.cfg.Namespace).Delete(ctx, handle.ID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil {
		if apierrors.IsNotFound(err) {
			if tracked || p.tracker.Has(handle.ID) {
				return nil
			}
			return orcherr.ErrNotFound
		}
		return fmt.Errorf("failed to delete worker pod %s: %w", handle.ID, err)
	}
	return nil
}

// Status returns the tracked status, or reads the pod for workers this process did not create.
func (p *PodProvider) Status(ctx context.Context, handle interfaces.WorkerHandle) (*interfaces.WorkerStatus, error) {
	if st, err := p.tracker.Status(handle.ID); err == nil {
		return st, nil
	}

	pod, err := p.client.CoreV1().Pods(p.cfg.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, orcherr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker pod %s: %w", handle.ID, err)
	}

	ws := &interfaces.WorkerStatus{Handle: handle, State: interfaces.WorkerStarting, CreatedAt: pod.CreationTimestamp.Time}
	out := observePod(pod)
	switch {
	case out.done:
		ws.ExitCode = out.exitCode
		ws.Reason = out.reason
		ws.State = interfaces.WorkerFailed
		if out.exitCode != nil && *out.exitCode == 0 {
			ws.State = interfaces.WorkerStopped
		}
	case out.running:
		ws.State = interfaces.WorkerRunning
	}
	return ws, nil
}

// Events streams pod lifecycle transitions.
func (p *PodProvider) Events(ctx context.Context, handle interfaces.WorkerHandle) (<-chan interfaces.LifecycleEvent, error) {
	return p.tracker.Subscribe(ctx, handle.ID)
}
