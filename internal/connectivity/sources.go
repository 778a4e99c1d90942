package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"nhooyr.io/websocket"
)

// Static reports a fixed value once and then waits for ctx.
type Static bool

func (s Static) Watch(ctx context.Context, report func(bool)) error {
	report(bool(s))
	<-ctx.Done()
	return ctx.Err()
}

// ParseStatus reads the textual status values accepted in status files.
func ParseStatus(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown connectivity status %q", raw)
	}
}

// ProbeSource polls a health URL. Any response below 500 counts as online.
type ProbeSource struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
}

func (p ProbeSource) Watch(ctx context.Context, report func(bool)) error {
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("probe url is required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report(p.probe(ctx, client))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p ProbeSource) probe(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// FileSource follows a status file written by the device's network agent.
// A missing file reads as offline.
type FileSource struct {
	Path string
}

func (f FileSource) Watch(ctx context.Context, report func(bool)) error {
	path := filepath.Clean(strings.TrimSpace(f.Path))
	if path == "." || path == "" {
		return errors.New("status file path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory so atomic replacements of the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	report(readStatusFile(path))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				report(readStatusFile(path))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("status watcher: %w", err)
		}
	}
}

func readStatusFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	online, err := ParseStatus(string(data))
	if err != nil {
		return false
	}
	return online
}

// WebSocketSource holds a presence connection to the backend. Connected and
// answering pings means online; it reconnects with backoff otherwise.
type WebSocketSource struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func (w WebSocketSource) Watch(ctx context.Context, report func(bool)) error {
	if strings.TrimSpace(w.URL) == "" {
		return errors.New("presence url is required")
	}
	pingInterval := w.PingInterval
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	minBackoff := w.MinBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := w.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := minBackoff
	for {
		if err := w.session(ctx, pingInterval, report); err == nil {
			backoff = minBackoff
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report(false)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session returns nil when a connection was established and later lost.
func (w WebSocketSource) session(ctx context.Context, pingInterval time.Duration, report func(bool)) error {
	conn, _, err := websocket.Dial(ctx, w.URL, &websocket.DialOptions{HTTPHeader: w.Header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readCtx := conn.CloseRead(ctx)
	report(true)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(readCtx, pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}
