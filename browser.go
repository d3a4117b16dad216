package mirsat

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"runtime"
)

// ErrBrowserNotFound is returned when no Chrome or Chromium executable can be found.
var ErrBrowserNotFound = errors.New("browser not found")

// browserPath determines the Chrome executable path based on the operating system.
// A configured path is tried first, then the common installation locations.
func browserPath(configured string) string {
	var paths []string
	if configured != "" {
		paths = append(paths, configured)
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			`/Applications/Google Chrome.app/Contents/MacOS/Google Chrome`,
			`/Applications/Chromium.app/Contents/MacOS/Chromium`,
			`/usr/local/bin/chrome`,
			`/usr/local/bin/chromium`,
		)
	case "windows":
		paths = append(paths,
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\Chromium\Application\chrome.exe`,
		)
	case "linux":
		paths = append(paths,
			`/usr/bin/google-chrome`,
			`/usr/bin/chromium-browser`,
			`/usr/bin/chromium`,
			`/snap/bin/chromium`,
		)
	}

	for _, p := range paths {
		if _, err := exec.LookPath(p); err == nil {
			return p
		}
	}
	return ""
}

// browserFlags are the arguments of a page opened on url, routed through the agent.
func (agent *Agent) browserFlags(url string) []string {
	return []string{
		fmt.Sprintf("--user-data-dir=%s", path.Join(agent.ConfigDir, "browser-profile")),
		fmt.Sprintf("--proxy-server=http://%s:%s", agent.Addr, agent.Port),
		fmt.Sprintf("--ignore-certificate-errors-spki-list=%s", agent.SPKIHash),
		"--disable-background-networking",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--disable-sync",
		"--metrics-recording-only",
		"--disable-domain-reliability",
		"--no-first-run",
		"--disable-component-update",
		"--proxy-bypass-list=<-loopback>",
		url,
	}
}

// OpenBrowser launches a browser page on url that uses the agent as its proxy.
// It is the fallback of a notification click when no page is connected.
func (agent *Agent) OpenBrowser(ctx context.Context, url string) error {
	configured := ""
	if agent.Config != nil {
		configured = agent.Config.BrowserPath
	}
	executable := browserPath(configured)
	if executable == "" {
		return fmt.Errorf("%w : %s", ErrBrowserNotFound, runtime.GOOS)
	}

	// The page outlives the click that opened it
	cmd := exec.Command(executable, agent.browserFlags(url)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting browser : %w", err)
	}
	go cmd.Wait()

	agent.WriteLog("INFO", fmt.Sprintf("Opened browser on %s", url))
	return nil
}
