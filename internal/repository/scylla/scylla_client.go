package scylla

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"haven-service/internal/config"
	"haven-service/internal/util"
)

//go:embed schema.cql
var schemaCQL string

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.TLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			EnableHostVerification: !cfg.IsDevelopment(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace),
		zap.Bool("tls_enabled", scyllaConfig.TLS))

	return &ScyllaClient{Session: session, config: scyllaConfig}, nil
}

// Migrate applies the idempotent schema. The keyspace must already exist.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, stmt := range SchemaStatements() {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema statement %q: %w", firstLine(stmt), err)
		}
	}
	util.Info("ScyllaDB schema applied", zap.String("keyspace", s.config.Keyspace))
	return nil
}

// SchemaStatements splits the embedded schema into executable statements.
func SchemaStatements() []string {
	var out []string
	for _, part := range strings.Split(schemaCQL, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Exec(ctx context.Context, stmt string, values ...interface{}) error {
	return s.Query(ctx, stmt, values...).Exec()
}

// ExecCAS runs a lightweight transaction. When it is not applied, existing
// holds the columns of the row that blocked it.
func (s *ScyllaClient) ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error) {
	existing := map[string]interface{}{}
	applied, err := s.Query(ctx, stmt, values...).MapScanCAS(existing)
	return applied, existing, err
}

// Get reads a single row into dest, retrying transient failures.
func (s *ScyllaClient) Get(ctx context.Context, stmt string, args []interface{}, dest ...interface{}) error {
	return s.ScanWithRetry(s.Query(ctx, stmt, args...), dest...)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ScanWithRetry retries transient read failures. ErrNotFound is returned at once.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
