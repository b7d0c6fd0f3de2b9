package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"airband-receiver/internal/config"
)

var (
	errRedirectDisabled = errors.New("output redirection is disabled")
	errRedirectDenied   = errors.New("output target is not allowed")
)

// redirectPolicy limits where /api/output may send the PCM stream.
type redirectPolicy struct {
	enabled bool
	dir     string
	hosts   map[string]bool
}

func newRedirectPolicy(cfg config.ServerConfig) *redirectPolicy {
	p := &redirectPolicy{enabled: cfg.AllowRedirect, hosts: make(map[string]bool)}
	if cfg.RedirectDir != "" {
		if dir, err := filepath.Abs(cfg.RedirectDir); err == nil {
			p.dir = dir
		}
	}
	for _, h := range cfg.RedirectHosts {
		p.hosts[h] = true
	}
	return p
}

// resolve maps a requested target to the destination handed to the
// runtime. Relative paths are taken inside the redirect directory.
func (p *redirectPolicy) resolve(target string) (string, error) {
	if !p.enabled {
		return "", errRedirectDisabled
	}

	if strings.HasPrefix(target, "tcp://") {
		if !p.hosts[strings.TrimPrefix(target, "tcp://")] {
			return "", fmt.Errorf("%w: %s is not an allowed host", errRedirectDenied, target)
		}
		return target, nil
	}

	if p.dir == "" {
		return "", fmt.Errorf("%w: no redirect directory is configured", errRedirectDenied)
	}
	if strings.Contains(target, "://") {
		return "", fmt.Errorf("%w: %s", errRedirectDenied, target)
	}

	path := target
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.dir, path)
	}
	path = filepath.Clean(path)
	if !within(p.dir, path) || path == p.dir {
		return "", fmt.Errorf("%w: %s is outside %s", errRedirectDenied, target, p.dir)
	}

	// Symlinks in the directory or as the file itself may point anywhere.
	root, err := filepath.EvalSymlinks(p.dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errRedirectDenied, err)
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errRedirectDenied, err)
	}
	if !within(root, parent) {
		return "", fmt.Errorf("%w: %s is outside %s", errRedirectDenied, target, p.dir)
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s is a symlink", errRedirectDenied, target)
	}
	return path, nil
}

// within reports whether path is dir or below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
