package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/daemonctl"
	"kiln/internal/failure"
	"kiln/internal/logging"
	"kiln/internal/workspace"
)

const cliLogFile = "kiln.log"

type commandContext struct {
	socketFlag *string
	configFlag *string
	cwdFlag    *string
	verbose    *bool

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error

	rootOnce sync.Once
	root     string
	rootErr  error
}

func newCommandContext(socketFlag, configFlag, cwdFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
		cwdFlag:    cwdFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(flagValue(c.configFlag))
		if err != nil {
			c.configErr = failure.Wrap(failure.ErrConfiguration, "cli", "load config", "", err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = failure.Wrap(failure.ErrConfiguration, "cli", "prepare directories", "", err)
			return
		}
		c.config = cfg
		c.configPath = path
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// workspaceRoot resolves --cwd (or the working directory) to the nearest
// enclosing directory that holds a kiln.toml.
func (c *commandContext) workspaceRoot() (string, error) {
	c.rootOnce.Do(func() {
		start := flagValue(c.cwdFlag)
		if start == "" {
			wd, err := os.Getwd()
			if err != nil {
				c.rootErr = fmt.Errorf("resolve working directory: %w", err)
				return
			}
			start = wd
		}
		abs, err := filepath.Abs(start)
		if err != nil {
			c.rootErr = fmt.Errorf("resolve workspace root: %w", err)
			return
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			c.rootErr = failure.Wrap(failure.ErrConfiguration, "cli", "resolve workspace", abs+" is not a directory", err)
			return
		}
		c.root = findWorkspaceRoot(abs)
	})
	return c.root, c.rootErr
}

func findWorkspaceRoot(start string) string {
	for dir := start; ; {
		if _, err := os.Stat(filepath.Join(dir, workspace.DefinitionsFile)); err == nil {
			return dir
		} else if !errors.Is(err, fs.ErrNotExist) {
			return start
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

func (c *commandContext) socketOverride() string {
	socket := flagValue(c.socketFlag)
	if socket == "" {
		return ""
	}
	if abs, err := filepath.Abs(socket); err == nil {
		return abs
	}
	return socket
}

func (c *commandContext) daemonPaths() (daemon.Paths, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return daemon.Paths{}, err
	}
	root, err := c.workspaceRoot()
	if err != nil {
		return daemon.Paths{}, err
	}
	return daemon.PathsFor(cfg.Paths.RuntimeDir, root, c.socketOverride())
}

// newLogger writes to the CLI log file, and to stderr as well with --verbose.
func (c *commandContext) newLogger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	outputs := []string{filepath.Join(cfg.Paths.LogDir, cliLogFile)}
	if c.verbose != nil && *c.verbose {
		outputs = append(outputs, "stderr")
	}
	logger, err := logging.NewFromConfig(cfg, outputs...)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// launchOptions hands the spawned daemon the resolved config file, since it
// runs from the workspace root rather than the caller's directory.
func (c *commandContext) launchOptions() daemonctl.LaunchOptions {
	root, _ := c.workspaceRoot()
	opts := daemonctl.LaunchOptions{Root: root, SocketPath: c.socketOverride()}
	if _, err := c.ensureConfig(); err == nil && c.configExists {
		opts.ConfigPath = c.configPath
	}
	return opts
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func flagValue(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
