package main

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/channels"
	"github.com/coursehub/coursehub/pkg/config"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/courses"
	"github.com/coursehub/coursehub/pkg/history"
	"github.com/coursehub/coursehub/pkg/lifecycle"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/progress"
	"github.com/coursehub/coursehub/pkg/upload"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := config.DefaultPath()
		if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.LoadConfig(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := c.setupLogging(cfg); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) setupLogging(cfg *config.Config) error {
	level := cfg.Logging.Level
	if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
		level = *c.logLevelFlag
	}
	logger.SetLevel(logger.ParseLevel(level))

	if !cfg.Logging.FileEnabled {
		return nil
	}
	if err := logger.EnableFileLoggingWithRotation(cfg.LogFilePath(), cfg.Logging.RotationEnabled, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays); err != nil {
		return fmt.Errorf("enable file logging: %w", err)
	}
	return nil
}

func (c *commandContext) tokenSource(cfg *config.Config) oauth2.TokenSource {
	if strings.TrimSpace(cfg.API.AccessToken) == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.API.AccessToken, TokenType: "Bearer"})
}

func (c *commandContext) dispatcher(cfg *config.Config) *upload.Dispatcher {
	var opts []upload.Option
	if ts := c.tokenSource(cfg); ts != nil {
		opts = append(opts, upload.WithTokenSource(ts))
	}
	return upload.NewDispatcher(cfg.API, opts...)
}

func (c *commandContext) courseClient(cfg *config.Config) *courses.Client {
	return courses.NewClient(c.dispatcher(cfg))
}

func (c *commandContext) historyStore(cfg *config.Config) (*history.Store, error) {
	if !cfg.History.Enabled {
		return history.NewStore("")
	}
	return history.NewStore(cfg.HistoryPath())
}

// progressStack is everything a command needs to watch the hub.
type progressStack struct {
	session    *channels.HubSession
	registry   *correlation.Registry
	aggregator *progress.Aggregator
	controller *lifecycle.Controller
}

func (c *commandContext) newProgressStack(cfg *config.Config, autoRenew bool) (*progressStack, error) {
	policy, err := progress.ParseStalePolicy(cfg.Progress.StalePolicy)
	if err != nil {
		return nil, err
	}

	opts := []channels.Option{}
	if ts := c.tokenSource(cfg); ts != nil {
		opts = append(opts, channels.WithTokenSource(ts))
	}
	if cfg.API.InsecureSkipVerify {
		opts = append(opts, channels.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	session := channels.NewHubSession(cfg.Hub, bus.NewBus(), opts...)

	registry := correlation.NewRegistry()
	aggregator := progress.NewAggregator(progress.WithStalePolicy(policy, registry))
	controller := lifecycle.New(session, registry,
		lifecycle.WithAggregator(aggregator),
		lifecycle.WithAutoRenew(autoRenew),
	)
	return &progressStack{
		session:    session,
		registry:   registry,
		aggregator: aggregator,
		controller: controller,
	}, nil
}
