package browser

import (
	"strings"

	"github.com/neboloop/keeper/internal/probe"
)

// classification is what the in-page classifier script reports back.
type classification struct {
	URL    string `json:"url"`
	Marker string `json:"marker"`
	Detail string `json:"detail"`
}

// statusFor maps a page classification to a probe status. Precedence:
// a sign-in wall trumps everything, then an explicit disconnect, then
// the idle warning, then any healthy marker.
func statusFor(c classification) probe.Status {
	if strings.Contains(c.URL, "accounts.google.com") {
		return probe.StatusLoginRequired
	}

	switch c.Marker {
	case "signin":
		return probe.StatusLoginRequired
	case "reconnect", "connect":
		return probe.StatusDisconnected
	case "idle_dialog":
		return probe.StatusIdle
	case "busy", "ram_disk", "connected":
		return probe.StatusConnected
	default:
		return probe.StatusUnknown
	}
}

// classifyJS inspects the live Colab DOM and reports the strongest
// marker it finds. Colab hides its toolbar controls inside shadow
// roots, so everything is probed from inside the page rather than with
// CSS selectors over CDP.
const classifyJS = `(() => {
	const url = window.location.href;
	const textOf = (el) => {
		if (!el) return '';
		return (el.innerText || el.textContent || '').trim();
	};

	if (url.includes('accounts.google.com') || document.querySelector('#identifierId')) {
		return { url: url, marker: 'signin', detail: 'google sign-in page' };
	}

	const dialogText = textOf(document.querySelector('paper-dialog, mwc-dialog, colab-dialog'));
	if (/runtime disconnected|unable to connect/i.test(dialogText)) {
		return { url: url, marker: 'reconnect', detail: 'disconnect dialog: ' + dialogText.slice(0, 80) };
	}
	if (/still there|idle|interrupt in a moment/i.test(dialogText)) {
		return { url: url, marker: 'idle_dialog', detail: 'idle warning: ' + dialogText.slice(0, 80) };
	}

	const btn = document.querySelector('colab-connect-button');
	let label = '';
	if (btn) {
		const inner = btn.shadowRoot ? btn.shadowRoot.querySelector('#connect') : null;
		label = textOf(inner) || textOf(btn);
	}
	if (!label) {
		label = textOf(document.querySelector('#connect'));
	}

	const lower = label.toLowerCase();
	if (/reconnect/.test(lower)) {
		return { url: url, marker: 'reconnect', detail: 'button: ' + label };
	}
	if (/^connect\b/.test(lower)) {
		return { url: url, marker: 'connect', detail: 'button: ' + label };
	}
	if (/busy|allocating|connecting|initializing/.test(lower)) {
		return { url: url, marker: 'busy', detail: 'button: ' + label };
	}
	if (/ram|disk/.test(lower)) {
		return { url: url, marker: 'ram_disk', detail: 'button: ' + label };
	}
	if (/connected/.test(lower)) {
		return { url: url, marker: 'connected', detail: 'button: ' + label };
	}

	return { url: url, marker: '', detail: 'no marker, button label: ' + label.slice(0, 40) };
})()`

// reconnectJS tries the known reconnect controls in order and returns
// the name of the first strategy whose click landed, or ''.
const reconnectJS = `(() => {
	const click = (el) => {
		if (!el) return false;
		el.click();
		return true;
	};

	const btn = document.querySelector('colab-connect-button');
	if (btn) {
		const inner = btn.shadowRoot ? btn.shadowRoot.querySelector('#connect') : null;
		if (click(inner || btn)) return 'colab-connect-button';
	}

	if (click(document.querySelector('#connect'))) return '#connect';
	if (click(document.querySelector('paper-button#ok'))) return 'paper-button#ok';

	const all = Array.from(document.querySelectorAll('button, paper-button, md-text-button, colab-toolbar-button'));
	const byAria = all.find((el) => ((el.getAttribute('aria-label') || '').toLowerCase().includes('connect')));
	if (click(byAria)) return 'aria-label';

	const byText = all.find((el) => /^(connect|reconnect)$/i.test((el.innerText || '').trim()));
	if (click(byText)) return 'text-match';

	return '';
})()`

// keepAliveJS installs a 60s in-page heartbeat that nudges the UI so
// Colab's idle detector keeps seeing activity. Idempotent per page
// load; a reload wipes it, so Refresh reinstalls it.
const keepAliveJS = `(() => {
	if (window.__keeperAlive) return true;
	window.__keeperAlive = setInterval(() => {
		document.dispatchEvent(new MouseEvent('mousemove', {
			bubbles: true,
			clientX: 10 + Math.floor(Math.random() * 200),
			clientY: 10 + Math.floor(Math.random() * 200),
		}));
		const btn = document.querySelector('colab-connect-button');
		if (btn) btn.dispatchEvent(new MouseEvent('mouseover', { bubbles: true }));
	}, 60000);
	return true;
})()`

