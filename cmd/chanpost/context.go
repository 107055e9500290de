package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
	"chanpost/internal/config"
	logx "chanpost/pkg/logx"
)

type commandContext struct {
	configFlag *string
	logLevel   *string

	configOnce sync.Once
	cfgm       *config.ConfigManager
	configErr  error
}

func newCommandContext(configFlag, logLevel *string) *commandContext {
	return &commandContext{configFlag: configFlag, logLevel: logLevel}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return defaultConfigPath
	}
	return strings.TrimSpace(*c.configFlag)
}

// ensureConfig loads and commits the config file once per invocation.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		m := config.NewConfigManager(c.configPath())
		if _, err := m.Load(); err != nil {
			c.configErr = fmt.Errorf("load config %s: %w", m.Path(), err)
			return
		}
		c.cfgm = m
	})
	if c.configErr != nil {
		return nil, c.configErr
	}
	return c.cfgm.Get(), nil
}

func (c *commandContext) manager() (*config.ConfigManager, error) {
	if _, err := c.ensureConfig(); err != nil {
		return nil, err
	}
	return c.cfgm, nil
}

// logger is the console logger for one-shot commands.
func (c *commandContext) logger(cfg *config.Config) logx.Logger {
	level := ""
	if c.logLevel != nil {
		level = strings.TrimSpace(*c.logLevel)
	}
	if level == "" && cfg != nil {
		level = cfg.Logging.Level
	}
	if level == "" {
		level = "WARN"
	}
	return logx.NewConsole(level)
}

// withApp builds the full pipeline, runs fn and closes it.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), m, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
