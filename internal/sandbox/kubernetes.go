package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

// Labels applied to sandbox namespaces so operators can tell them apart
// from everything else on the cluster.
const (
	LabelApp       = "app"
	LabelCreatedBy = "created-by"
	LabelOwnerID   = "owner-id"
	LabelType      = "type"

	AppValue       = "playground"
	CreatedByValue = "playground-api"
	TypeValue      = "sandbox"
)

const (
	quotaName      = "sandbox-quota"
	limitRangeName = "sandbox-limits"
	roleName       = "sandbox-user-role"
	bindingName    = "sandbox-user-binding"

	toolboxPodName       = "toolbox"
	toolboxContainerName = "toolbox"
	credentialSecretName = "toolbox-credential"
	credentialMountPath  = "/var/run/playground"

	toolboxStartTimeout = 60 * time.Second

	// execGrace bounds how long Close waits for the remote shell to exit
	// after stdin closes before forcing the stream down.
	execGrace = 5 * time.Second
)

// KubernetesConfig holds the cluster-facing settings of the provider.
type KubernetesConfig struct {
	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster
	// config with the recommended-home fallback.
	Kubeconfig string

	// ToolboxImage is the container image of the long-lived toolbox pod.
	ToolboxImage string

	// Shell is the command exec channels attach with.
	Shell string
}

// KubernetesProvider implements Provider against a real cluster.
type KubernetesProvider struct {
	cfg    KubernetesConfig
	log    logrus.FieldLogger
	client kubernetes.Interface
	rest   *rest.Config
}

// NewKubernetesProvider builds the client from in-cluster config, falling
// back to the kubeconfig, and returns a ready provider.
func NewKubernetesProvider(cfg KubernetesConfig, log logrus.FieldLogger) (*KubernetesProvider, error) {
	if cfg.ToolboxImage == "" {
		cfg.ToolboxImage = "playground-toolbox:latest"
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &KubernetesProvider{
		cfg:    cfg,
		log:    log.WithField("component", "sandbox.kubernetes"),
		client: client,
		rest:   restCfg,
	}, nil
}

func (p *KubernetesProvider) CreateNamespace(ctx context.Context, name, ownerID string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				LabelApp:       AppValue,
				LabelCreatedBy: CreatedByValue,
				LabelOwnerID:   ownerID,
				LabelType:      TypeValue,
			},
		},
	}

	_, err := p.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	p.log.WithField("namespace", name).Info("Created sandbox namespace")
	return nil
}

// DeleteNamespace is idempotent: an absent namespace is success.
func (p *KubernetesProvider) DeleteNamespace(ctx context.Context, name string) error {
	err := p.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	p.log.WithField("namespace", name).Info("Deleted sandbox namespace")
	return nil
}

func (p *KubernetesProvider) ApplyQuota(ctx context.Context, name string, q Quota) error {
	rq := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: quotaName},
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourceCPU:                    resource.MustParse(q.CPU),
				corev1.ResourceMemory:                 resource.MustParse(q.Memory),
				corev1.ResourcePods:                   *resource.NewQuantity(int64(q.Pods), resource.DecimalSI),
				corev1.ResourceServices:               *resource.NewQuantity(int64(q.Services), resource.DecimalSI),
				corev1.ResourcePersistentVolumeClaims: *resource.NewQuantity(int64(q.PVCs), resource.DecimalSI),
			},
		},
	}

	if _, err := p.client.CoreV1().ResourceQuotas(name).Create(ctx, rq, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("applying quota to %s: %w", name, err)
	}

	lr := &corev1.LimitRange{
		ObjectMeta: metav1.ObjectMeta{Name: limitRangeName},
		Spec: corev1.LimitRangeSpec{
			Limits: []corev1.LimitRangeItem{
				{
					Type: corev1.LimitTypeContainer,
					Default: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("2"),
						corev1.ResourceMemory: resource.MustParse("4Gi"),
					},
					DefaultRequest: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("500m"),
						corev1.ResourceMemory: resource.MustParse("1Gi"),
					},
				},
			},
		},
	}

	if _, err := p.client.CoreV1().LimitRanges(name).Create(ctx, lr, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("applying limit range to %s: %w", name, err)
	}
	return nil
}

// BindAccessPolicy grants the owner identity full access within the
// sandbox namespace and nothing outside it.
func (p *KubernetesProvider) BindAccessPolicy(ctx context.Context, name, ownerID string) error {
	role := &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{Name: roleName, Namespace: name},
		Rules: []rbacv1.PolicyRule{
			{
				APIGroups: []string{"", "apps", "batch", "networking.k8s.io"},
				Resources: []string{"*"},
				Verbs:     []string{"*"},
			},
		},
	}
	if _, err := p.client.RbacV1().Roles(name).Create(ctx, role, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating role in %s: %w", name, err)
	}

	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{Name: bindingName, Namespace: name},
		Subjects: []rbacv1.Subject{
			{Kind: rbacv1.UserKind, Name: ownerID, APIGroup: rbacv1.GroupName},
		},
		RoleRef: rbacv1.RoleRef{
			Kind:     "Role",
			Name:     roleName,
			APIGroup: rbacv1.GroupName,
		},
	}
	if _, err := p.client.RbacV1().RoleBindings(name).Create(ctx, binding, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating role binding in %s: %w", name, err)
	}
	return nil
}

// LaunchToolbox starts the long-lived toolbox pod and waits for it to be
// running. The pod runs under the quota and access policy applied before
// it, which is why provisioning order matters.
func (p *KubernetesProvider) LaunchToolbox(ctx context.Context, name, ownerID string, credential []byte) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      toolboxPodName,
			Namespace: name,
			Labels: map[string]string{
				LabelApp:     AppValue,
				LabelOwnerID: ownerID,
				LabelType:    "toolbox",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: ptr(false),
			Containers: []corev1.Container{
				{
					Name:            toolboxContainerName,
					Image:           p.cfg.ToolboxImage,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{"sleep", "infinity"},
					WorkingDir:      "/workspace",
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("2"),
							corev1.ResourceMemory: resource.MustParse("4Gi"),
						},
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("100m"),
							corev1.ResourceMemory: resource.MustParse("256Mi"),
						},
					},
				},
			},
		},
	}

	if credential != nil {
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: credentialSecretName, Namespace: name},
			Data:       map[string][]byte{"credential": credential},
		}
		if _, err := p.client.CoreV1().Secrets(name).Create(ctx, secret, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating credential secret in %s: %w", name, err)
		}

		pod.Spec.Volumes = []corev1.Volume{
			{
				Name: "credential",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{SecretName: credentialSecretName},
				},
			},
		}
		pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{
			{Name: "credential", MountPath: credentialMountPath, ReadOnly: true},
		}
	}

	if _, err := p.client.CoreV1().Pods(name).Create(ctx, pod, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating toolbox pod in %s: %w", name, err)
	}

	if err := p.waitForPodRunning(ctx, name, toolboxPodName, toolboxStartTimeout); err != nil {
		return fmt.Errorf("waiting for toolbox in %s: %w", name, err)
	}

	p.log.WithField("namespace", name).Info("Toolbox running")
	return nil
}

func (p *KubernetesProvider) waitForPodRunning(ctx context.Context, namespace, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for pod %s/%s to be running", namespace, name)
		}

		pod, err := p.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("getting pod: %w", err)
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == toolboxContainerName && cs.Ready {
					return nil
				}
			}
		case corev1.PodFailed, corev1.PodSucceeded:
			return fmt.Errorf("pod %s/%s is in terminal phase %s", namespace, name, pod.Status.Phase)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// OpenExecChannel attaches an interactive shell to the toolbox pod over
// a SPDY exec stream with a TTY.
func (p *KubernetesProvider) OpenExecChannel(ctx context.Context, name string) (ExecChannel, error) {
	pod, err := p.client.CoreV1().Pods(name).Get(ctx, toolboxPodName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("%w: toolbox pod is %s", ErrChannelUnavailable, pod.Status.Phase)
	}

	execOpts := &corev1.PodExecOptions{
		Container: toolboxContainerName,
		Command:   []string{p.cfg.Shell},
		Stdin:     true,
		Stdout:    true,
		TTY:       true,
	}

	req := p.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(toolboxPodName).
		Namespace(name).
		SubResource("exec").
		VersionedParams(execOpts, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(p.rest, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("%w: creating executor: %v", ErrChannelUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	ch := &k8sExecChannel{
		stdin:  stdinW,
		stdout: stdoutR,
		sizes:  make(chan remotecommand.TerminalSize, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(ch.done)
		err := exec.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: ch,
		})
		// Unblock any pending reader/writer once the stream ends.
		stdoutW.CloseWithError(io.EOF)
		stdinR.Close()
		if err != nil && streamCtx.Err() == nil {
			p.log.WithError(err).WithField("namespace", name).Debug("Exec stream ended")
		}
	}()

	return ch, nil
}

// k8sExecChannel wraps a remotecommand stream as an ExecChannel.
type k8sExecChannel struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	sizes  chan remotecommand.TerminalSize
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func (c *k8sExecChannel) Stdin() io.Writer      { return c.stdin }
func (c *k8sExecChannel) Stdout() io.Reader     { return c.stdout }
func (c *k8sExecChannel) Done() <-chan struct{} { return c.done }

func (c *k8sExecChannel) Resize(cols, rows uint16) error {
	select {
	case c.sizes <- remotecommand.TerminalSize{Width: cols, Height: rows}:
	default:
		// Resize queue full; the latest pending size wins anyway.
	}
	return nil
}

// Next implements remotecommand.TerminalSizeQueue. Returning nil stops
// the executor's resize loop once the channel is done.
func (c *k8sExecChannel) Next() *remotecommand.TerminalSize {
	select {
	case size := <-c.sizes:
		return &size
	case <-c.done:
		return nil
	}
}

// Close ends the shell: stdin EOF first so it can exit cleanly, then the
// stream context is cancelled after the grace period. Idempotent.
func (c *k8sExecChannel) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		select {
		case <-c.done:
		case <-time.After(execGrace):
			c.cancel()
			<-c.done
		}
		c.cancel()
	})
	return nil
}

func (p *KubernetesProvider) GetUsage(ctx context.Context, name string) (map[string]string, error) {
	rq, err := p.client.CoreV1().ResourceQuotas(name).Get(ctx, quotaName, metav1.GetOptions{})
	if err != nil {
		return map[string]string{}, nil
	}

	usage := make(map[string]string, len(rq.Status.Used))
	for res, qty := range rq.Status.Used {
		usage[string(res)] = qty.String()
	}
	return usage, nil
}

// DeleteResource maps each kind to exactly one typed client call.
func (p *KubernetesProvider) DeleteResource(ctx context.Context, name string, kind Kind, resourceName string) error {
	var err error
	switch kind {
	case KindPod:
		err = p.client.CoreV1().Pods(name).Delete(ctx, resourceName, metav1.DeleteOptions{})
	case KindService:
		err = p.client.CoreV1().Services(name).Delete(ctx, resourceName, metav1.DeleteOptions{})
	case KindDeployment:
		err = p.client.AppsV1().Deployments(name).Delete(ctx, resourceName, metav1.DeleteOptions{})
	case KindSecret:
		err = p.client.CoreV1().Secrets(name).Delete(ctx, resourceName, metav1.DeleteOptions{})
	case KindPVC:
		err = p.client.CoreV1().PersistentVolumeClaims(name).Delete(ctx, resourceName, metav1.DeleteOptions{})
	default:
		return ErrUnknownKind
	}
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("deleting %s %s in %s: %w", kind, resourceName, name, err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

var (
	_ Provider                        = (*KubernetesProvider)(nil)
	_ ExecChannel                     = (*k8sExecChannel)(nil)
	_ remotecommand.TerminalSizeQueue = (*k8sExecChannel)(nil)
)
