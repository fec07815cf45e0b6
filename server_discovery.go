package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// monitoredServer identifies one game server and where its log lives.
type monitoredServer struct {
	Name    string
	Dir     string
	LogPath string
}

func newMonitoredServer(root, name string) monitoredServer {
	dir := filepath.Join(root, name)
	return monitoredServer{
		Name:    name,
		Dir:     dir,
		LogPath: filepath.Join(dir, "logs", "latest.log"),
	}
}

type serverLister interface {
	ListRunning(ctx context.Context) ([]monitoredServer, error)
}

// listServerDirs returns the sorted subdirectory names of root. A missing
// root is an error; nothing can be monitored without it.
func listServerDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read server dir %s: %w", root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// dirServerLister treats every server directory as running.
type dirServerLister struct {
	root string
}

func (l dirServerLister) ListRunning(ctx context.Context) ([]monitoredServer, error) {
	names, err := listServerDirs(l.root)
	if err != nil {
		return nil, err
	}
	out := make([]monitoredServer, 0, len(names))
	for _, name := range names {
		out = append(out, newMonitoredServer(l.root, name))
	}
	return out, nil
}

// screenServerLister reports a server as running when a GNU screen session
// named prefix+<dir name> exists.
type screenServerLister struct {
	root   string
	prefix string
	// listSessions returns raw `screen -list` output; replaced in tests.
	listSessions func(ctx context.Context) ([]byte, error)
}

func newScreenServerLister(root, prefix string) screenServerLister {
	return screenServerLister{root: root, prefix: prefix, listSessions: runScreenList}
}

func runScreenList(ctx context.Context) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "screen", "-list").Output()
	if err != nil {
		// screen exits non-zero when no sessions exist but still prints a
		// usable listing.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, nil
		}
		return nil, fmt.Errorf("screen -list: %w", err)
	}
	return out, nil
}

func (l screenServerLister) ListRunning(ctx context.Context) ([]monitoredServer, error) {
	names, err := listServerDirs(l.root)
	if err != nil {
		return nil, err
	}
	raw, err := l.listSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := parseScreenSessions(raw)

	out := make([]monitoredServer, 0, len(names))
	for _, name := range names {
		if _, ok := sessions[l.prefix+name]; !ok {
			logger.Debug("server not running, skipping", "server", name, "session", l.prefix+name)
			continue
		}
		out = append(out, newMonitoredServer(l.root, name))
	}
	return out, nil
}

// parseScreenSessions extracts session names from `screen -list` output,
// whose rows look like "\t12345.MCsurvival\t(Detached)".
func parseScreenSessions(raw []byte) map[string]struct{} {
	sessions := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "\t") {
			continue
		}
		field := strings.Fields(line)
		if len(field) == 0 {
			continue
		}
		pid, name, ok := strings.Cut(field[0], ".")
		if !ok || pid == "" || name == "" {
			continue
		}
		sessions[name] = struct{}{}
	}
	return sessions
}

func newServerLister(cfg Config) serverLister {
	if cfg.Discovery == discoveryDirs {
		return dirServerLister{root: cfg.ServerDir}
	}
	return newScreenServerLister(cfg.ServerDir, cfg.ScreenPrefix)
}
