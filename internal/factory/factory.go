package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"realtime-service/internal/analytics"
	"realtime-service/internal/audit"
	"realtime-service/internal/bucketing"
	"realtime-service/internal/client"
	"realtime-service/internal/config"
	"realtime-service/internal/encryption"
	"realtime-service/internal/gateway"
	"realtime-service/internal/hashing"
	redisrepo "realtime-service/internal/repository/redis"
	"realtime-service/internal/repository/scylla"
	"realtime-service/internal/service"
	"realtime-service/internal/util"
)

// Factory owns every client and service and the order they come up and go
// down in. Scylla and Redis are required; Kafka, ClickHouse, Elasticsearch
// and KMS are optional in development and required in production when
// configured.
type Factory struct {
	Config *config.Config
	Logger *zap.Logger

	ScyllaClient     *scylla.ScyllaClient
	RedisClient      *client.RedisClient
	KafkaProducer    *client.KafkaProducer
	ClickHouseClient *client.ClickHouseClient
	ESClient         *client.ESClient

	UserRepo    scylla.UserRepository
	SessionRepo scylla.SessionRepository
	Cache       *redisrepo.PresenceCache

	Bucketing  *bucketing.BucketingManager
	Hasher     *hashing.Hasher
	Encryption *encryption.Manager

	Notifier  *service.Notifier
	Directory *service.Directory

	ActivitySink   *analytics.ActivitySink
	AuditPublisher *audit.Publisher

	TokenVerifier *gateway.TokenVerifier
	Gateway       *gateway.Gateway

	closeOnce sync.Once
}

// New builds the full dependency graph. Any required dependency failing is a
// terminal error; optional dependencies log and are skipped in development.
func New(cfg *config.Config) (*Factory, error) {
	logger := util.Get()
	f := &Factory{Config: cfg, Logger: logger}

	if cfg.Auth.UsingDevSecret {
		util.Warn("Running with the built-in development JWT secret; set JWT_SECRET")
	}

	scyllaClient, err := scylla.NewScyllaClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("scylla init failed: %w", err)
	}
	f.ScyllaClient = scyllaClient

	redisClient, err := client.NewRedisClient(cfg, logger)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	f.RedisClient = redisClient

	if cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(cfg, logger)
		if err != nil {
			if cfg.IsProduction() {
				f.Close()
				return nil, fmt.Errorf("kafka init failed: %w", err)
			}
			util.Warn("Kafka unavailable, audit events will not be published", zap.Error(err))
		} else {
			f.KafkaProducer = producer
		}
	}

	if cfg.Clickhouse.Enabled {
		chClient, err := client.NewClickHouseClient(cfg, logger)
		if err != nil {
			if cfg.IsProduction() {
				f.Close()
				return nil, fmt.Errorf("clickhouse init failed: %w", err)
			}
			util.Warn("ClickHouse unavailable, activity analytics disabled", zap.Error(err))
		} else {
			f.ClickHouseClient = chClient
		}
	}

	if cfg.Elasticsearch.Enabled {
		esClient, err := client.NewElasticsearchClient(cfg, logger)
		if err != nil {
			if cfg.IsProduction() {
				f.Close()
				return nil, fmt.Errorf("elasticsearch init failed: %w", err)
			}
			util.Warn("Elasticsearch unavailable, audit search disabled", zap.Error(err))
		} else {
			f.ESClient = esClient
		}
	}

	var kmsClient *kms.Client
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("aws config load failed: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
		util.Info("KMS client initialized", zap.String("region", cfg.KMS.Region))
	}

	f.Bucketing = bucketing.NewBucketingManager(cfg)
	f.Hasher = hashing.NewHasher(cfg)
	f.Encryption = encryption.NewManager(cfg, kmsClient)

	f.UserRepo = scylla.NewUserRepository(scyllaClient, f.Bucketing)
	f.SessionRepo = scylla.NewSessionRepository(scyllaClient)
	f.Cache = redisrepo.NewPresenceCache(redisClient)

	f.ActivitySink = analytics.NewActivitySink(f.ClickHouseClient)

	f.Notifier = service.NewNotifier()
	f.Directory = service.NewDirectory(
		f.UserRepo, f.SessionRepo, f.Cache, f.Notifier,
		f.Hasher, f.Encryption, f.Bucketing, f.ActivitySink, cfg,
	)

	f.AuditPublisher = audit.NewPublisher(cfg, f.KafkaProducer, f.ESClient)

	f.TokenVerifier = gateway.NewTokenVerifier(cfg.Auth.JWTSecret)
	f.Gateway = gateway.NewGateway(cfg, f.Directory, f.Notifier, f.TokenVerifier)

	util.Info("Factory initialized",
		zap.Bool("kafka", f.KafkaProducer != nil),
		zap.Bool("clickhouse", f.ClickHouseClient != nil),
		zap.Bool("elasticsearch", f.ESClient != nil),
		zap.Bool("kms", kmsClient != nil))

	return f, nil
}

// Start launches the background machinery.
func (f *Factory) Start() {
	f.ActivitySink.Start()
	f.AuditPublisher.Start(f.Notifier)
	f.Gateway.Start()
}

// Close tears everything down in reverse dependency order. Idempotent.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.Gateway != nil {
			f.Gateway.Stop()
		}
		if f.AuditPublisher != nil {
			f.AuditPublisher.Stop()
		}
		if f.ActivitySink != nil {
			f.ActivitySink.Stop()
		}
		if f.Encryption != nil {
			f.Encryption.ClearCache()
		}
		if f.ESClient != nil {
			f.ESClient.Close()
		}
		if f.ClickHouseClient != nil {
			_ = f.ClickHouseClient.Close()
		}
		if f.KafkaProducer != nil {
			_ = f.KafkaProducer.Close()
		}
		if f.RedisClient != nil {
			_ = f.RedisClient.Close()
		}
		if f.ScyllaClient != nil {
			f.ScyllaClient.Close()
		}
		util.Info("Factory closed")
	})
}

// HealthCheck pings every live client with a shared deadline.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results := make(map[string]error)
	results["scylla"] = f.ScyllaClient.HealthCheck(ctx)
	results["redis"] = f.RedisClient.HealthCheck(ctx)
	if f.KafkaProducer != nil {
		results["kafka"] = f.KafkaProducer.HealthCheck(ctx)
	}
	if f.ClickHouseClient != nil {
		results["clickhouse"] = f.ClickHouseClient.HealthCheck(ctx)
	}
	if f.ESClient != nil {
		results["elasticsearch"] = f.ESClient.HealthCheck()
	}
	return results
}
