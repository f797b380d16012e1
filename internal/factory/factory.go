package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"haven-service/internal/audit"
	"haven-service/internal/auth"
	"haven-service/internal/bucketing"
	"haven-service/internal/client"
	"haven-service/internal/config"
	"haven-service/internal/encryption"
	"haven-service/internal/events"
	"haven-service/internal/repository"
	"haven-service/internal/repository/memory"
	redisrepo "haven-service/internal/repository/redis"
	"haven-service/internal/repository/scylla"
	"haven-service/internal/search"
	"haven-service/internal/service"
	"haven-service/internal/tls"
	"haven-service/internal/util"
	"haven-service/internal/wallet"
	"haven-service/internal/webhook"
)

const (
	StoreScylla = "scylla"
	StoreMemory = "memory"

	auditFlushInterval = 5 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// Store, created once and shared by every request
	storeOnce      sync.Once
	userRepository repository.UserRepository
	storeErr       error

	auditSink      audit.Sink
	publisher      events.Publisher
	serviceFactory *service.ServiceFactory

	background context.Context
	stop       context.CancelFunc
	closeOnce  sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		if cfg.IsProduction() {
			return nil, err
		}
		util.Warn("Configuration incomplete", util.ErrorField(err))
	}

	background, stop := context.WithCancel(context.Background())
	factory := &Factory{
		config:     cfg,
		background: background,
		stop:       stop,
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		stop()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		stop()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", cfg.Store.Driver),
		util.String("wallet_driver", cfg.Wallet.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks.
// Outside production a failing dependency is logged and left nil.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	if f.config.Store.Driver == StoreScylla {
		// ScyllaDB
		if c, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}

		// Elasticsearch
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := c.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		util.Info("ClickHouse client initialized and healthy")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption and bucketing managers
func (f *Factory) initializeManagers() error {
	var keys encryption.KeyService
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			return err
		}
		keys = kmsClient
	}

	f.encryptionManager = encryption.NewManager(f.config.KMS, keys)
	f.bucketingManager = bucketing.NewManager(f.config.Bucketing)

	util.Info("Managers initialized successfully",
		util.Bool("kms_wrapping", keys != nil),
		util.Int("user_buckets", len(f.bucketingManager.AllUserBuckets())),
	)
	return nil
}

// ==============================
// Store
// ==============================

// UserRepository returns the process-wide store, creating it on first use.
func (f *Factory) UserRepository() (repository.UserRepository, error) {
	f.storeOnce.Do(func() {
		f.userRepository, f.storeErr = f.newUserRepository()
	})
	return f.userRepository, f.storeErr
}

func (f *Factory) newUserRepository() (repository.UserRepository, error) {
	switch f.config.Store.Driver {
	case StoreMemory:
		util.Warn("Using the in-memory user store; records are lost on restart")
		return memory.NewUserRepository(), nil
	case StoreScylla:
		if f.scyllaClient == nil {
			return nil, fmt.Errorf("scylla store selected but no scylla client is available")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := f.scyllaClient.Migrate(ctx); err != nil {
			return nil, err
		}

		var index scylla.Indexer
		if f.esClient != nil {
			userIndex := search.NewUserIndex(f.esClient, f.config.Elasticsearch.UserIndex)
			if err := userIndex.EnsureIndex(ctx); err != nil {
				return nil, err
			}
			index = userIndex
		}
		return scylla.NewUserRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager, index), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", f.config.Store.Driver)
	}
}

// ==============================
// Supporting services
// ==============================

// AuditSink writes to ClickHouse when available, otherwise to the log.
func (f *Factory) AuditSink() audit.Sink {
	if f.auditSink != nil {
		return f.auditSink
	}
	f.auditSink = audit.LogSink{}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.AuditTable, f.bucketingManager)
		if err := sink.EnsureTable(f.background); err != nil {
			util.Warn("Audit table unavailable - auditing to log", util.ErrorField(err))
			return f.auditSink
		}
		go sink.Run(f.background, auditFlushInterval)
		f.auditSink = sink
	}
	return f.auditSink
}

func (f *Factory) Publisher() events.Publisher {
	if f.publisher == nil {
		if f.kafkaProducer != nil {
			f.publisher = events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.UserTopic)
		} else {
			f.publisher = events.LogPublisher{}
		}
	}
	return f.publisher
}

func (f *Factory) WalletProvisioner() wallet.Provisioner {
	if f.config.Wallet.Driver == "dev" {
		util.Warn("Using development wallets; addresses are not backed by a custodian")
		return wallet.DevProvisioner{}
	}
	return wallet.NewPrivyProvisioner(f.config.Wallet)
}

// RateLimiter is nil when Redis is unavailable, which disables limiting.
func (f *Factory) RateLimiter() service.RateLimiter {
	if f.redisClient == nil {
		return nil
	}
	return redisrepo.NewRateLimitCache(f.redisClient, f.config.Onboarding.RateLimit, f.config.Onboarding.RateWindow)
}

// ReplayGuard is nil when Redis is unavailable.
func (f *Factory) ReplayGuard() webhook.ReplayGuard {
	if f.redisClient == nil {
		return nil
	}
	return redisrepo.NewReplayGuard(f.redisClient, f.config.Webhook.ReplayTTL)
}

func (f *Factory) Verifier() (*auth.Verifier, error) {
	return auth.NewVerifier(f.config.Auth)
}

func (f *Factory) ClerkProcessor() (*webhook.ClerkProcessor, error) {
	return webhook.NewClerkProcessor(f.config.Webhook.Secret)
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() (*service.ServiceFactory, error) {
	if f.serviceFactory == nil {
		repo, err := f.UserRepository()
		if err != nil {
			return nil, err
		}
		f.serviceFactory = service.NewServiceFactory(
			repo,
			f.Publisher(),
			f.AuditSink(),
			f.WalletProvisioner(),
			f.RateLimiter(),
			service.PolicyFor(f.config.Onboarding.Policy),
		)
	}
	return f.serviceFactory, nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.config.Store.Driver == StoreScylla {
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}

		if f.esClient != nil {
			if err := f.esClient.HealthCheck(ctx); err != nil {
				healthErrors["elasticsearch"] = err
			}
		} else {
			healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.userRepository != nil {
		if err := f.userRepository.HealthCheck(ctx); err != nil {
			healthErrors["user_repository"] = err
		}
	} else {
		healthErrors["user_repository"] = fmt.Errorf("user repository not initialized")
	}

	return healthErrors
}

// IsHealthy ignores the optional dependencies: Kafka and ClickHouse.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// stops the audit flusher, which flushes once more on the way out
		f.stop()
		time.Sleep(100 * time.Millisecond)

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
