package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows native OS notifications.
type Desktop struct {
	// AppName is the toast source shown on Windows.
	AppName string
}

// NewDesktop creates the desktop notifier.
func NewDesktop() *Desktop {
	return &Desktop{AppName: "Keeper"}
}

func (d *Desktop) Name() string { return "desktop" }

// Send displays a native OS notification. Unsupported platforms are a
// silent no-op.
func (d *Desktop) Send(ctx context.Context, ev Event) error {
	title := sanitize(ev.Title)
	body := sanitize(ev.Body)

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)

	case "linux":
		cmd = exec.CommandContext(ctx, "notify-send", title, body)

	case "windows":
		ps := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName('text')
$textNodes.Item(0).AppendChild($template.CreateTextNode('%s')) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode('%s')) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('%s').Show($toast)
`, title, body, d.AppName)
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", ps)

	default:
		return nil
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

// sanitize removes characters that could break shell quoting and
// truncates to a length notification daemons accept.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, `\`, "")
	s = strings.ReplaceAll(s, "'", "")
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
