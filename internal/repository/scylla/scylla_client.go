package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"realtime-service/internal/config"
	"realtime-service/internal/util"
)

// Sentinel errors shared by the repositories in this package.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Bootstrap retry policy: capped exponential backoff. Startup-time concern
// only; individual queries are never retried here.
const (
	connectMaxAttempts = 5
	connectBaseDelay   = time.Second
	connectMaxDelay    = 16 * time.Second
)

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
}

// NewScyllaClient connects to the cluster, retrying with doubling delays
// before giving up. Exhausting the retries is a terminal startup failure.
func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	var session *gocql.Session
	var err error
	delay := connectBaseDelay
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		session, err = cluster.CreateSession()
		if err == nil {
			break
		}
		if attempt == connectMaxAttempts {
			return nil, fmt.Errorf("scylla connection failed after %d attempts: %w", connectMaxAttempts, err)
		}
		util.Warn("Scylla connection attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)
		delay *= 2
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

// Query builds a query bound to this session
func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
