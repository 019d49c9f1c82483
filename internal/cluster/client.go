// Package cluster wraps the Kubernetes API for the harness: namespaces,
// manifest resources, routes, image streams, pods and events.
package cluster

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
)

// FieldManager identifies writes made by the harness.
const FieldManager = "apptest"

// Client is bound to one namespace. WithNamespace derives clients for others.
type Client struct {
	Clientset kubernetes.Interface
	Dynamic   dynamic.Interface
	Mapper    meta.RESTMapper

	namespace string
	logger    *logging.Logger
}

// New builds a client from the kubeconfig (or kind cluster) named in cfg.
// The namespace is cfg.Namespace, falling back to the kubeconfig default.
func New(cfg *config.Config) (*Client, error) {
	restConfig, namespace, err := RESTConfig(cfg)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(clientset.Discovery()))

	if cfg.Namespace != "" {
		namespace = cfg.Namespace
	}
	return NewForClients(clientset, dynamicClient, mapper, namespace), nil
}

// NewForClients assembles a client from existing interfaces, e.g. fakes.
func NewForClients(clientset kubernetes.Interface, dynamicClient dynamic.Interface, mapper meta.RESTMapper, namespace string) *Client {
	if namespace == "" {
		namespace = "default"
	}
	return &Client{
		Clientset: clientset,
		Dynamic:   dynamicClient,
		Mapper:    mapper,
		namespace: namespace,
		logger:    logging.GetLogger("cluster"),
	}
}

// RESTConfig resolves the REST config and the default namespace.
func RESTConfig(cfg *config.Config) (*rest.Config, string, error) {
	if cfg.KindCluster != "" {
		kubeconfig, err := KindKubeconfig(cfg.KindCluster)
		if err != nil {
			return nil, "", err
		}
		restConfig, err := clientcmd.RESTConfigFromKubeConfig([]byte(kubeconfig))
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse kubeconfig of kind cluster %s: %w", cfg.KindCluster, err)
		}
		return restConfig, "default", nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{CurrentContext: cfg.KubeContext},
	)

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("failed to build kube config: %w", err)
	}

	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		return nil, "", fmt.Errorf("failed to determine namespace: %w", err)
	}

	return restConfig, namespace, nil
}

// Namespace returns the namespace this client operates in.
func (c *Client) Namespace() string {
	return c.namespace
}

// WithNamespace returns a copy of c bound to namespace.
func (c *Client) WithNamespace(namespace string) *Client {
	cp := *c
	cp.namespace = namespace
	return &cp
}
