// Package namespace creates and drops the ephemeral namespace of a run.
package namespace

import (
	"context"

	utilrand "k8s.io/apimachinery/pkg/util/rand"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/logging"
)

// Prefix starts every ephemeral namespace name.
const Prefix = "ts-"

// suffixLength keeps names well below the 63 character label limit.
const suffixLength = 10

// Client is the part of the cluster client the manager needs.
type Client interface {
	CreateNamespace(ctx context.Context, name string, labels map[string]string) error
	DeleteNamespace(ctx context.Context, name string) error
}

// Manager creates uniquely named namespaces and deletes them again.
type Manager struct {
	client Client
	logger *logging.Logger
	// nameFunc generates candidate names; replaced in tests
	nameFunc func() string
}

// NewManager creates a Manager operating through client.
func NewManager(client Client) *Manager {
	return &Manager{
		client:   client,
		logger:   logging.GetLogger("namespace"),
		nameFunc: GenerateName,
	}
}

// GenerateName returns a fresh random namespace name.
func GenerateName() string {
	return Prefix + utilrand.String(suffixLength)
}

// Create creates a new ephemeral namespace and returns its name.
func (m *Manager) Create(ctx context.Context) (string, error) {
	name := m.nameFunc()
	if err := m.client.CreateNamespace(ctx, name, map[string]string{cluster.EphemeralLabel: "true"}); err != nil {
		return "", err
	}
	m.logger.Info("using ephemeral namespace %s", logging.Highlight(name))
	return name, nil
}

// Drop deletes the namespace. Dropping an absent namespace succeeds.
func (m *Manager) Drop(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	return m.client.DeleteNamespace(ctx, name)
}
