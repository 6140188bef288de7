package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/directory"
	"github.com/tenantry/auth-service/internal/notifier"
	"github.com/tenantry/auth-service/internal/ratelimit"
	redisrepo "github.com/tenantry/auth-service/internal/repository/redis"
	"github.com/tenantry/auth-service/internal/service"
	"github.com/tenantry/auth-service/internal/token"
	"github.com/tenantry/auth-service/internal/util"
)

const auditQueueSize = 1024

// Factory manages the lifecycle of all application dependencies: the
// shared store, the audit pipeline, collaborator clients, and the services
// built on them.
type Factory struct {
	config *config.Config

	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer
	recorder      *audit.Recorder

	authService    *service.AuthService
	otpService     *service.OTPService
	sessionService *service.SessionService
	guard          *ratelimit.Guard

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("audit_stream_enabled", factory.kafkaProducer != nil),
	)

	return factory, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	// Codes, refresh entries, and sessions all live in the store, so a
	// production instance that cannot reach it must not take traffic.
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Warn("Redis not reachable at startup", util.ErrorField(err))
	} else {
		util.Info("Redis client initialized and healthy")
	}

	// Kafka is optional. Without brokers, security events stay in the log.
	if f.config.KafkaEnabled() {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed - audit events stay local", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.kafkaProducer != nil {
		f.recorder = audit.NewRecorder(f.kafkaProducer, auditQueueSize)
	} else {
		f.recorder = audit.NewNopRecorder()
	}

	return nil
}

func (f *Factory) initializeServices() error {
	cfg := f.config

	tokens, err := token.NewProvider(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.Leeway)
	if err != nil {
		return fmt.Errorf("token provider: %w", err)
	}

	subjects := directory.NewHTTPSubjects(cfg.Directory.SubjectsBaseURL, cfg.Directory.APIKey, cfg.Directory.Timeout)
	accounts := directory.NewHTTPAccounts(cfg.Directory.AccountsBaseURL, cfg.Directory.APIKey, cfg.Directory.Timeout)
	applications := directory.NewHTTPApplications(cfg.Directory.ApplicationsBaseURL, cfg.Directory.APIKey, cfg.Directory.Timeout)

	emailClient := notifier.NewEmailClient(cfg.Notify.EmailBaseURL, cfg.Notify.APIKey, cfg.Notify.Timeout)
	whatsappClient := notifier.NewWhatsAppClient(cfg.Notify.WhatsAppBaseURL, cfg.Notify.APIKey, cfg.Notify.Timeout)

	email := notifier.WithPolicy("email", emailClient, cfg.Notify.MaxRetries, cfg.Notify.BreakerThreshold, cfg.Notify.BreakerCooldown)
	whatsapp := notifier.WithPolicy("whatsapp", whatsappClient, cfg.Notify.MaxRetries, cfg.Notify.BreakerThreshold, cfg.Notify.BreakerCooldown)

	// Reset mail goes through the email client directly; the retry and
	// breaker policy fronts OTP delivery only.
	f.authService = service.NewAuthService(
		tokens,
		redisrepo.NewRefreshCache(f.redisClient),
		redisrepo.NewResetCache(f.redisClient),
		accounts,
		applications,
		emailClient,
		f.recorder,
		util.Get(),
		cfg.Token,
	)

	f.otpService = service.NewOTPService(
		subjects,
		redisrepo.NewOTPCache(f.redisClient),
		redisrepo.NewSessionCache(f.redisClient),
		tokens,
		email,
		whatsapp,
		f.recorder,
		util.Get(),
		cfg.OTP,
		cfg.Token.SessionTTL,
	)

	f.sessionService = service.NewSessionService(
		tokens,
		redisrepo.NewSessionCache(f.redisClient),
		f.recorder,
		util.Get(),
	)

	f.guard = ratelimit.NewGuard(f.redisClient, cfg.RateLimit).WithAudit(f.recorder)

	return nil
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

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Losing Kafka degrades auditing, not authentication.
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Drain queued audit events before their sink goes away.
		if f.recorder != nil {
			f.recorder.Close()
			util.Info("Audit recorder drained")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) RedisClient() *client.RedisClient {
	return f.redisClient
}

func (f *Factory) Recorder() *audit.Recorder {
	return f.recorder
}

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}

func (f *Factory) OTPService() *service.OTPService {
	return f.otpService
}

func (f *Factory) SessionService() *service.SessionService {
	return f.sessionService
}

func (f *Factory) Guard() *ratelimit.Guard {
	return f.guard
}
