// Package webui serves the proxy's control panel: the page shown at "/" and for any path that does not
// carry a target URL.
package webui

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/TheHackerDev/uaproxy/internal/config"
)

//go:embed templates/panel.gohtml
var panelFS embed.FS

var panelTmpl *template.Template

func init() {
	var err error
	panelTmpl, err = template.ParseFS(panelFS, "templates/panel.gohtml")
	if err != nil {
		panic(fmt.Errorf("unable to parse control panel template: %w", err))
	}
}

// NewWebUI returns a new web UI object using the given configuration.
func NewWebUI(cfg *config.Config) *WebUI {
	return &WebUI{
		userAgent: cfg.Policy.UserAgent(),
		settings:  cfg.Settings,
	}
}

// WebUI renders the control panel.
type WebUI struct {
	// userAgent is the desktop identity shown on the panel.
	userAgent string

	// settings is read on every render so the toggle reflects the current value.
	settings *config.Settings
}

// ServeHTTP renders the control panel.
func (webUI *WebUI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Reject anything but GET and HEAD
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "invalid request method: "+r.Method, http.StatusMethodNotAllowed)
		return
	}

	// Render into a buffer first so a template failure can still produce a clean 500
	var page bytes.Buffer
	if err := panelTmpl.Execute(&page, struct {
		UserAgent    string
		ProcessLinks bool
		APIPath      string
	}{
		UserAgent:    webUI.userAgent,
		ProcessLinks: webUI.settings.Load().ProcessLinks,
		APIPath:      config.APIPath,
	}); err != nil {
		log.WithError(err).Error("unable to render control panel")
		http.Error(w, "unable to render control panel", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, writeErr := page.WriteTo(w); writeErr != nil {
		log.WithError(writeErr).Debug("unable to write control panel to response")
	}
}
