// Package vsphere wraps all interaction with the vCenter management plane:
// session lifecycle, name resolution, read-only inventory and task handles.
package vsphere

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"
	"go.uber.org/zap"

	"github.com/virtops/vsphere-actions/internal/config"
)

const loginTimeout = 30 * time.Second

// ClientProvider hands out a live vim25 client. Implemented by Manager in
// production and by test fakes backed by the simulator.
type ClientProvider interface {
	Client(ctx context.Context) (*vim25.Client, error)
}

// Manager owns the process-wide vCenter session. (Re)establishment is lazy
// and idempotent: an unusable session gets exactly one reconnection attempt
// per call before the error is surfaced.
type Manager struct {
	mu     sync.Mutex
	cfg    *config.Config
	client *govmomi.Client
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Client returns a usable vim25 client, connecting or reconnecting when the
// current session is absent or expired.
func (m *Manager) Client(ctx context.Context) (*vim25.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		if active, err := m.client.SessionManager.SessionIsActive(ctx); err == nil && active {
			return m.client.Client, nil
		}
		zap.S().Named("vsphere").Warn("session no longer active, reconnecting")
		m.client = nil
	}

	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	m.client = client
	return client.Client, nil
}

// Close logs out the current session, if any.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return
	}
	if err := m.client.Logout(ctx); err != nil {
		zap.S().Named("vsphere").Warnf("logout failed: %v", err)
	}
	m.client.CloseIdleConnections()
	m.client = nil
}

func (m *Manager) connect(ctx context.Context) (*govmomi.Client, error) {
	u, err := m.endpointURL()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	vimClient, err := vim25.NewClient(ctx, soap.NewClient(u, m.cfg.VSphere.Insecure))
	if err != nil {
		return nil, errors.Wrap(err, "creating vim client")
	}

	client := &govmomi.Client{
		SessionManager: session.NewManager(vimClient),
		Client:         vimClient,
	}

	zap.S().Named("vsphere").Infow("logging into vcenter", "host", m.cfg.VSphere.Host, "username", m.cfg.VSphere.Username)
	if err := client.Login(ctx, u.User); err != nil {
		return nil, errors.Wrap(err, "logging into vcenter")
	}
	return client, nil
}

func (m *Manager) endpointURL() (*url.URL, error) {
	if m.cfg.VSphere.Host == "" || m.cfg.VSphere.Username == "" || m.cfg.VSphere.Password == "" {
		return nil, errors.New("vsphere connection settings are incomplete: set VSPHERE_HOST, VSPHERE_USERNAME and VSPHERE_PASSWORD")
	}

	u, err := soap.ParseURL(fmt.Sprintf("https://%s:%d/sdk", m.cfg.VSphere.Host, m.cfg.VSphere.Port))
	if err != nil {
		return nil, errors.Wrap(err, "parsing vcenter url")
	}
	u.User = url.UserPassword(m.cfg.VSphere.Username, m.cfg.VSphere.Password)
	return u, nil
}
