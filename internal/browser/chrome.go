// Package browser owns the Chrome session behind the watchdog: finding
// or launching a Chromium binary, attaching over the DevTools protocol,
// and driving the Colab page through chromedp.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Executable is a usable Chromium-family binary found on the system.
type Executable struct {
	Name string
	Path string
}

// FindExecutable locates a Chromium-family browser. A non-empty
// customPath wins outright (and must exist).
func FindExecutable(customPath string) (*Executable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &Executable{Name: "custom", Path: customPath}, nil
	}

	for _, c := range candidates() {
		if fileExists(c.Path) {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("no Chrome, Brave, Edge, or Chromium found; set browser.chrome_path")
}

func candidates() []Executable {
	switch runtime.GOOS {
	case "darwin":
		home := os.Getenv("HOME")
		return []Executable{
			{"chrome", "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{"chrome", home + "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{"brave", "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
			{"edge", "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
			{"chromium", "/Applications/Chromium.app/Contents/MacOS/Chromium"},
		}
	case "linux":
		return []Executable{
			{"chrome", "/usr/bin/google-chrome"},
			{"chrome", "/usr/bin/google-chrome-stable"},
			{"brave", "/usr/bin/brave-browser"},
			{"edge", "/usr/bin/microsoft-edge"},
			{"chromium", "/usr/bin/chromium"},
			{"chromium", "/usr/bin/chromium-browser"},
			{"chromium", "/snap/bin/chromium"},
		}
	case "windows":
		var out []Executable
		for _, root := range []string{os.Getenv("LOCALAPPDATA"), os.Getenv("ProgramFiles"), os.Getenv("ProgramFiles(x86)")} {
			if root == "" {
				continue
			}
			out = append(out,
				Executable{"chrome", root + `\Google\Chrome\Application\chrome.exe`},
				Executable{"brave", root + `\BraveSoftware\Brave-Browser\Application\brave.exe`},
				Executable{"edge", root + `\Microsoft\Edge\Application\msedge.exe`},
			)
		}
		return out
	default:
		return nil
	}
}

// LaunchOptions configures a keeper-launched Chrome.
type LaunchOptions struct {
	ExecutablePath string
	UserDataDir    string
	CDPPort        int
	Headless       bool
	NoSandbox      bool
}

// Chrome is a browser process the keeper launched and owns.
type Chrome struct {
	PID         int
	Path        string
	UserDataDir string
	CDPPort     int
	StartedAt   time.Time

	cmd *exec.Cmd
}

// DevToolsURL returns the local DevTools HTTP address.
func (c *Chrome) DevToolsURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.CDPPort)
}

// Launch starts Chrome with remote debugging enabled and waits for the
// DevTools endpoint to come up.
func Launch(opts LaunchOptions) (*Chrome, error) {
	exe, err := FindExecutable(opts.ExecutablePath)
	if err != nil {
		return nil, err
	}

	if opts.UserDataDir != "" {
		if err := os.MkdirAll(opts.UserDataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create user data dir: %w", err)
		}
	}

	cmd := exec.Command(exe.Path, buildArgs(opts)...)
	cmd.Env = os.Environ()
	setChromeProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", exe.Name, err)
	}

	chrome := &Chrome{
		PID:         cmd.Process.Pid,
		Path:        exe.Path,
		UserDataDir: opts.UserDataDir,
		CDPPort:     opts.CDPPort,
		StartedAt:   time.Now(),
		cmd:         cmd,
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if IsReachable(chrome.DevToolsURL(), 500*time.Millisecond) {
			return chrome, nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	killChromeProcessGroup(cmd, true)
	return nil, fmt.Errorf("DevTools endpoint did not come up on port %d within 15s", opts.CDPPort)
}

// Stop shuts the browser down, gracefully first, then hard after the
// timeout. Safe on an already-dead process.
func (c *Chrome) Stop(timeout time.Duration) error {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	killChromeProcessGroup(c.cmd, false)

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		killChromeProcessGroup(c.cmd, true)
		return nil
	}
}

func buildArgs(opts LaunchOptions) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.CDPPort),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--password-store=basic",
	}

	if opts.UserDataDir != "" {
		args = append(args, "--user-data-dir="+opts.UserDataDir)
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if opts.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}

	// Always open a blank tab so a target exists to attach to.
	return append(args, "about:blank")
}

// IsReachable reports whether a DevTools endpoint answers.
func IsReachable(devtoolsURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", versionURL(devtoolsURL), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WebSocketURL resolves the browser debugger websocket address from a
// DevTools HTTP endpoint. A ws:// or wss:// input passes through.
func WebSocketURL(devtoolsURL string, timeout time.Duration) (string, error) {
	if strings.HasPrefix(devtoolsURL, "ws://") || strings.HasPrefix(devtoolsURL, "wss://") {
		return devtoolsURL, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", versionURL(devtoolsURL), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl at %s", devtoolsURL)
	}
	return version.WebSocketDebuggerURL, nil
}

func versionURL(devtoolsURL string) string {
	return strings.TrimSuffix(devtoolsURL, "/") + "/json/version"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
