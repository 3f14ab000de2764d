package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager manages the primary connection and optional read
// replicas. Reads that tolerate replication lag go to Replica(); writes
// and read-after-write paths use Primary().
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// NewConnectionManager opens and verifies the primary connection and any
// configured replicas. Replica failures are logged and skipped; a failed
// primary is fatal.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	cm := &ConnectionManager{config: config, logger: logger}

	primary, err := sql.Open("postgres", config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	primary.SetMaxOpenConns(config.MaxConns)
	primary.SetMaxIdleConns(config.MinConns)
	primary.SetConnMaxLifetime(config.MaxLifetime)
	primary.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := cm.openReplica(replicaURL)
		if err != nil {
			logger.WithField("replica", i).WithError(err).Warn("Skipping unavailable read replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithFields(map[string]interface{}{
		"replicas": len(cm.replicas),
	}).Info("Database connection manager initialized")
	return cm, nil
}

func (cm *ConnectionManager) openReplica(url string) (*sql.DB, error) {
	replica, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	maxConns := cm.config.MaxConns / 2
	if maxConns < 2 {
		maxConns = 2
	}
	replica.SetMaxOpenConns(maxConns)
	replica.SetMaxIdleConns(cm.config.MinConns)
	replica.SetConnMaxLifetime(cm.config.MaxLifetime)
	replica.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	if err := replica.PingContext(ctx); err != nil {
		replica.Close()
		return nil, err
	}
	return replica, nil
}

// NewSingleConnectionManager wraps an existing connection without replicas.
// Used in tests and single-database deployments.
func NewSingleConnectionManager(db *sql.DB) *ConnectionManager {
	return &ConnectionManager{primary: db}
}

// Primary returns the write connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica by round robin, or the primary when no
// replicas are configured.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// HealthCheck pings the primary and reports when every replica is down
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := append([]*sql.DB(nil), cm.replicas...)
	cm.mu.RUnlock()

	if len(replicas) == 0 {
		return nil
	}
	unhealthy := 0
	for _, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy++
		}
	}
	if unhealthy == len(replicas) {
		return fmt.Errorf("all %d replicas unhealthy", unhealthy)
	}
	return nil
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := cm.replicas[:0]
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
		} else {
			healthy = append(healthy, replica)
		}
	}
	cm.replicas = healthy
	return removed
}

// StartHealthCheckRoutine prunes unhealthy replicas on an interval until
// the context ends.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()
				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("Removed unhealthy read replicas")
				}
			}
		}
	}()
}

// Close closes the primary and every replica
func (cm *ConnectionManager) Close() error {
	var firstErr error
	if err := cm.primary.Close(); err != nil {
		firstErr = err
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for _, replica := range replicas {
		if err := replica.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
