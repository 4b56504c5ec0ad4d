package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/account"
	"AgentCustody/internal/api"
	"AgentCustody/internal/config"
	"AgentCustody/internal/executor"
	"AgentCustody/internal/guard"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/observability/alerting"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/internal/proposal"
	"AgentCustody/internal/provision"
	"AgentCustody/internal/schema"
	"AgentCustody/internal/storage/mysql"
	"AgentCustody/internal/vault"
	"AgentCustody/internal/web3/provider"
	"AgentCustody/internal/window"
	"AgentCustody/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("custodiand 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CUSTODY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "custody.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 账户与身份绑定从同一份清单加载，身份注册表可切换到 MySQL。
	accounts := account.NewMemoryStore()
	var bindings []identity.Binding
	if cfg.Provision.AccountsFile != "" {
		loaded, err := provision.LoadAccounts(cfg.Provision.AccountsFile)
		if err != nil {
			return err
		}
		for _, acct := range loaded {
			if err := accounts.Create(acct); err != nil {
				return err
			}
			bindings = append(bindings, identity.Binding{
				AgentID: acct.ID,
				Wallet:  acct.Wallet,
				Owners:  []common.Address{acct.Owner},
			})
		}
	}

	var resolver identity.Resolver
	switch cfg.Storage.Identity.Driver {
	case "", "memory":
		registry, err := identity.NewMemoryRegistry(bindings)
		if err != nil {
			return err
		}
		resolver = registry
	case "mysql":
		registry, err := mysql.NewSQLIdentityRegistry(ctx, mysql.Config{DSN: cfg.Storage.Identity.DSN})
		if err != nil {
			return err
		}
		defer registry.Close()
		for _, binding := range bindings {
			if err := registry.Bind(ctx, binding); err != nil {
				return err
			}
		}
		resolver = registry
	default:
		return fmt.Errorf("未知的身份存储驱动: %s", cfg.Storage.Identity.Driver)
	}

	vaults := map[string]*vault.Vault{}
	if cfg.Provision.VaultsFile != "" {
		vaults, err = provision.LoadVaults(cfg.Provision.VaultsFile, resolver)
		if err != nil {
			return err
		}
	}

	var proposalStore proposal.Store
	switch cfg.Storage.Proposals.Driver {
	case "", "memory":
		proposalStore = proposal.NewMemoryStore()
	case "mysql":
		store, err := proposal.NewMySQLStore(cfg.Storage.Proposals.DSN)
		if err != nil {
			return err
		}
		proposalStore = store
	default:
		return fmt.Errorf("未知的提案存储驱动: %s", cfg.Storage.Proposals.Driver)
	}
	defer func() {
		if proposalStore != nil {
			_ = proposalStore.Close()
		}
	}()

	var queue proposal.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = proposal.NewMemoryQueue(1024)
	case "redis":
		q, err := proposal.NewRedisQueue(proposal.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := proposal.NewRabbitMQQueue(proposal.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Error("关闭提案队列失败", slog.Any("error", err))
			}
		}
	}()

	var decisionLog proposal.DecisionLog
	switch cfg.Storage.DecisionLog.Driver {
	case "", "local":
		local, err := mysql.NewLocalDecisionLog(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		decisionLog = local
	case "mysql":
		sqlLog, err := mysql.NewSQLDecisionLog(ctx, mysql.Config{DSN: cfg.Storage.DecisionLog.DSN})
		if err != nil {
			return err
		}
		defer sqlLog.Close()
		decisionLog = sqlLog
	default:
		return fmt.Errorf("未知的审计存储驱动: %s", cfg.Storage.DecisionLog.Driver)
	}

	// 重启后先从审计存储重放窗口快照，否则已花费额度随进程归零，
	// 代理可以靠反复重启绕过日限额。
	if source, ok := decisionLog.(proposal.WindowSource); ok {
		for _, id := range accounts.List() {
			spent, lastReset, err := source.LoadWindow(ctx, id)
			if err != nil {
				return fmt.Errorf("恢复账户 %s 窗口失败: %w", id, err)
			}
			if spent == "" {
				continue
			}
			amount, ok := new(big.Int).SetString(spent, 10)
			if !ok {
				return fmt.Errorf("账户 %s 的窗口快照无法解析: %q", id, spent)
			}
			acct, err := accounts.Get(id)
			if err != nil {
				return err
			}
			acct.RestoreWindow(window.Window{Amount: amount, LastReset: lastReset})
			logger.L().Info("恢复账户窗口",
				slog.String("account_id", id),
				slog.String("spent", spent),
				slog.Int64("last_reset", lastReset))
		}
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	// 没有私钥清单时使用内存执行器，授权照常、派发只记录。
	var exec executor.Executor
	if cfg.Web3.KeyFile != "" {
		keys, err := provision.LoadKeys(cfg.Web3.KeyFile)
		if err != nil {
			return err
		}
		chainExec, err := executor.NewChainExecutor(web3Client, keys)
		if err != nil {
			return err
		}
		exec = chainExec
	} else {
		exec = executor.NewMemoryExecutor()
	}

	validator := guard.NewValidator(schema.NewCatalogue())

	// API 与处理器共享同一张锁表，账户状态的全部变更入口互相排斥。
	locks := account.NewLockTable()

	service := proposal.NewService(proposalStore, queue, cfg.Proposals.MaxRetries)
	processorOpts := []proposal.ProcessorOption{
		proposal.WithWorkerCount(cfg.Proposals.Workers),
		proposal.WithProcessorLogger(logger.Named("processor")),
		proposal.WithDecisionLog(decisionLog),
		proposal.WithLockTable(locks),
	}
	if dispatcher := buildAlertDispatcher(cfg.Alerting); dispatcher != nil {
		processorOpts = append(processorOpts, proposal.WithAlertDispatcher(dispatcher))
	}
	processor := proposal.NewProcessor(validator, accounts, exec, proposalStore, queue, queue, processorOpts...)

	if requeued, err := proposal.RequeuePending(ctx, proposalStore, queue); err != nil {
		return err
	} else if requeued > 0 {
		logger.L().Info("重投未完成提案", slog.Int("count", requeued))
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("提案处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authKeys := make(map[string]common.Address, len(cfg.Server.APIKeys))
	for key, addr := range cfg.Server.APIKeys {
		authKeys[key] = common.HexToAddress(addr)
	}
	server := api.NewServer(cfg.Server.Address, service, accounts, vaults, resolver, identity.MiddlewareConfig{
		Keys:           authKeys,
		AllowAnonymous: cfg.Server.AllowAnonymous,
	}, api.WithLockTable(locks))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAlertDispatcher 按配置组装告警通道，一个都没配时返回 nil。
func buildAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Host:     cfg.Email.Host,
				Port:     cfg.Email.Port,
				Username: cfg.Email.Username,
				Password: cfg.Email.Password,
				From:     cfg.Email.From,
			},
			To:            cfg.Email.To,
			SubjectPrefix: cfg.Email.SubjectPrefix,
		})
	}
	if cfg.DingTalk.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhook{URL: cfg.DingTalk.WebhookURL},
		})
	}
	if cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{URL: cfg.Slack.WebhookURL},
			ChannelID: cfg.Slack.Channel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
