package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/ledger"
	"anatprep/internal/logging"
	"anatprep/internal/tracker"
)

type commandContext struct {
	studyFlag  *string
	configFlag *string
	verbose    *bool

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(studyFlag, configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		studyFlag:  studyFlag,
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		studyDir, err := config.ResolveStudyDir(deref(c.studyFlag))
		if err != nil {
			c.configErr = err
			return
		}
		cfg, path, exists, err := config.Load(studyDir, strings.TrimSpace(deref(c.configFlag)))
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) isVerbose() bool {
	return c.verbose != nil && *c.verbose
}

func (c *commandContext) logger(cmd *cobra.Command) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewFromConfig(cfg, cmd.ErrOrStderr(), c.isVerbose())
}

func (c *commandContext) layout() (bids.Layout, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return bids.Layout{}, err
	}
	return bids.NewLayout(cfg.StudyDir), nil
}

func (c *commandContext) tracker(logger *slog.Logger) (*tracker.Tracker, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return tracker.New(bids.NewLayout(cfg.StudyDir),
		tracker.WithLogger(logger),
		tracker.WithMaxIterations(cfg.Iteration.MaxIterations),
	), nil
}

func (c *commandContext) openLedger() (*ledger.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.AnatprepDir())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
