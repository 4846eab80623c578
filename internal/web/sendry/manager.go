package sendry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/unosend/unosend/internal/web/config"
)

// Manager spreads sends over several mail API servers in round-robin
// order, optionally failing over to the next server
type Manager struct {
	clients  []*Client
	servers  []config.SendryServer
	next     atomic.Uint64
	failover config.FailoverConfig
}

// NewManager creates a new manager
func NewManager(servers []config.SendryServer, failover config.FailoverConfig) *Manager {
	m := &Manager{
		servers:  servers,
		failover: failover,
	}

	for _, s := range servers {
		m.clients = append(m.clients, NewClient(s.BaseURL, s.APIKey))
	}

	return m
}

// Send delivers req through the next server. With failover enabled a
// transient failure moves on to the following server, up to MaxRetries
// extra attempts. The name of the server that accepted is returned.
func (m *Manager) Send(ctx context.Context, req *SendRequest) (*SendResponse, string, error) {
	if len(m.clients) == 0 {
		return nil, "", fmt.Errorf("no mail servers configured")
	}

	attempts := 1
	if m.failover.Enabled {
		attempts += m.failover.MaxRetries
	}
	if attempts > len(m.clients) {
		attempts = len(m.clients)
	}

	start := int(m.next.Add(1)-1) % len(m.clients)

	var lastErr error
	for i := 0; i < attempts; i++ {
		idx := (start + i) % len(m.clients)
		resp, err := m.clients[idx].Send(ctx, req)
		if err == nil {
			return resp, m.servers[idx].Name, nil
		}
		lastErr = fmt.Errorf("%s: %w", m.servers[idx].Name, err)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// ServerStatus represents server status with health info
type ServerStatus struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	Env       string `json:"env,omitempty"`
	Online    bool   `json:"online"`
	Version   string `json:"version,omitempty"`
	QueueSize int    `json:"queue_size"`
	Error     string `json:"error,omitempty"`
}

// GetAllStatus returns health status of all servers
func (m *Manager) GetAllStatus(ctx context.Context) []*ServerStatus {
	var wg sync.WaitGroup
	results := make([]*ServerStatus, len(m.servers))

	for i, s := range m.servers {
		wg.Add(1)
		go func(idx int, srv config.SendryServer) {
			defer wg.Done()

			status := &ServerStatus{
				Name:    srv.Name,
				BaseURL: srv.BaseURL,
				Env:     srv.Env,
			}

			health, err := m.clients[idx].Health(ctx)
			if err != nil {
				status.Error = err.Error()
			} else {
				status.Online = health.Status == "ok"
				status.Version = health.Version
				if health.Queue != nil {
					status.QueueSize = health.Queue.Pending
				}
			}

			results[idx] = status
		}(i, s)
	}

	wg.Wait()
	return results
}
