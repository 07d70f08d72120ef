package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Common Chrome/Chromium binary names across different systems.
var chromeBinaryNames = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium",
	"chromium-browser",
	"chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
}

// FindChromePath returns override when it resolves to an executable,
// otherwise the first well-known Chrome binary found on the system.
func FindChromePath(override string) (string, error) {
	if override != "" {
		path, err := exec.LookPath(override)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", webfetch.ErrChromeNotFound, override, err)
		}
		return path, nil
	}
	for _, name := range chromeBinaryNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", webfetch.ErrChromeNotFound
}

// StartFunc starts a process without waiting for it.
type StartFunc func(path string, args []string) error

// LaunchConfig controls how a browser is started for manual sessions.
type LaunchConfig struct {
	Binary      string
	UserDataDir string
	ExtraFlags  []string
	Timeout     time.Duration
}

// Launcher starts Chrome detached from this process so that it outlives the
// fetch and stays usable by the operator.
type Launcher struct {
	cfg       LaunchConfig
	inspector *Inspector
	logger    *zap.Logger
	start     StartFunc
	find      func(string) (string, error)
}

// NewLauncher wires a launcher. A nil inspector uses a default one.
func NewLauncher(cfg LaunchConfig, inspector *Inspector, logger *zap.Logger) *Launcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserDataDir == "" {
		cfg.UserDataDir = filepath.Join(os.TempDir(), "webfetcher-chrome-profile")
	}
	if inspector == nil {
		inspector = NewInspector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		cfg:       cfg,
		inspector: inspector,
		logger:    logger,
		start:     startDetached,
		find:      FindChromePath,
	}
}

// WithStart overrides process creation.
func (l *Launcher) WithStart(fn StartFunc) *Launcher {
	if fn != nil {
		l.start = fn
	}
	return l
}

// WithFinder overrides binary discovery.
func (l *Launcher) WithFinder(fn func(string) (string, error)) *Launcher {
	if fn != nil {
		l.find = fn
	}
	return l
}

// Args returns the command line used for ep.
func (l *Launcher) Args(ep Endpoint) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(ep.Port),
		"--user-data-dir=" + l.cfg.UserDataDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if ep.Host != "" && ep.Host != "127.0.0.1" && ep.Host != "localhost" {
		args = append(args, "--remote-debugging-address="+ep.Host)
	}
	args = append(args, l.cfg.ExtraFlags...)
	return append(args, "about:blank")
}

// Launch starts a browser serving DevTools on ep and waits until it answers.
func (l *Launcher) Launch(ctx context.Context, ep Endpoint) error {
	path, err := l.find(l.cfg.Binary)
	if err != nil {
		return err
	}
	args := l.Args(ep)
	l.logger.Info("launching browser",
		zap.String("binary", path),
		zap.String("endpoint", ep.String()),
		zap.String("profile", l.cfg.UserDataDir),
	)
	if err := l.start(path, args); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("start %s: %w", path, err)
		}
		return fmt.Errorf("%w: start %s: %v", webfetch.ErrDebugPortUnreachable, path, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	if _, err := l.inspector.WaitDevtools(waitCtx, ep, 250*time.Millisecond); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: browser did not open %s within %s", webfetch.ErrDebugPortUnreachable, ep, l.cfg.Timeout)
	}
	return nil
}

func startDetached(path string, args []string) error {
	// #nosec G204 -- binary comes from configuration or well-known install paths.
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
