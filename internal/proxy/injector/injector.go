// Package injector generates the client interception layer served to proxied pages and the bootstrap
// snippet that loads it.
package injector

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	log "github.com/sirupsen/logrus"

	"github.com/TheHackerDev/uaproxy/internal/config"
	"github.com/TheHackerDev/uaproxy/internal/policy"
)

// ScriptPath is where the proxy serves the generated script.
const ScriptPath = "/__proxy_preload.js"

//go:embed scripts
var scripts embed.FS

// Surface is one browser API the script intercepts, with the file holding its hook.
type Surface struct {
	Name string
	File string
}

// Surfaces lists every hook in the order they are installed. Each runs in its own try/catch so one
// failing surface leaves the others in place.
var Surfaces = []Surface{
	{"identity", "hooks/identity.js"},
	{"fetch", "hooks/fetch.js"},
	{"XMLHttpRequest.open", "hooks/xhr.js"},
	{"element properties", "hooks/properties.js"},
	{"setAttribute", "hooks/attributes.js"},
	{"window.open", "hooks/window-open.js"},
	{"Worker", "hooks/worker.js"},
	{"sendBeacon", "hooks/beacon.js"},
	{"serviceWorker.register", "hooks/service-worker.js"},
	{"registerProtocolHandler", "hooks/protocol-handler.js"},
	{"EventSource", "hooks/event-source.js"},
	{"Location", "hooks/location.js"},
	{"window.navigate", "hooks/navigate.js"},
	{"History", "hooks/history.js"},
	{"link clicks", "hooks/links.js"},
	{"meta refresh", "hooks/meta-refresh.js"},
	{"CSSOM setProperty", "hooks/css.js"},
	{"WebSocket", "hooks/websocket.js"},
	{"postMessage", "hooks/post-message.js"},
}

// clientPolicy is the part of the policy the script needs.
type clientPolicy struct {
	Aggressive    []string        `json:"aggressive"`
	MessageFamily []string        `json:"messageFamily"`
	Identity      policy.Identity `json:"identity"`
}

type hook struct {
	Name   string
	Label  string
	Source string
}

type scriptData struct {
	ScriptPath     string
	ScriptPathJSON string
	Policy         string
	Rules          string
	Runtime        string
	Hooks          []hook
}

// NewInjector renders the interception script for the given policy.
// Any errors returned should be considered fatal.
func NewInjector(p *policy.Policy) (*Injector, error) {
	script, renderErr := render(p, Surfaces)
	if renderErr != nil {
		return nil, fmt.Errorf("unable to render interception script: %w", renderErr)
	}

	log.WithField("surfaces", len(Surfaces)).Debug("interception script generated")

	return &Injector{script: script}, nil
}

// Injector serves the generated script. The script only depends on the policy, so it is rendered once;
// per-page values travel in the bootstrap snippet.
type Injector struct {
	script []byte
}

// Script returns the generated script.
func (injector *Injector) Script() []byte {
	return injector.script
}

// ServeHTTP serves the generated script.
func (injector *Injector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	if _, writeErr := w.Write(injector.script); writeErr != nil {
		log.WithError(writeErr).Debug("unable to write interception script to response")
	}
}

// Bootstrap returns the HTML injected into every proxied page: an inline script carrying the proxy base
// and the current rewrite config, followed by the loader tag.
func Bootstrap(proxyBase string, cfg config.RewriteConfig) (string, error) {
	// json.Marshal escapes '<', '>' and '&', so the values cannot close the inline script.
	payload, jsonErr := json.Marshal(struct {
		ProxyBase string               `json:"proxyBase"`
		Config    config.RewriteConfig `json:"config"`
	}{proxyBase, cfg})
	if jsonErr != nil {
		return "", fmt.Errorf("unable to serialize proxy bootstrap config: %w", jsonErr)
	}

	return `<script>window.__PROXY_CONFIG__ = ` + string(payload) + `;</script>` +
		`<script src="` + ScriptPath + `"></script>`, nil
}

func render(p *policy.Policy, surfaces []Surface) ([]byte, error) {
	tmpl, parseErr := template.ParseFS(scripts, "scripts/preload.js.tmpl")
	if parseErr != nil {
		return nil, fmt.Errorf("unable to parse script template: %w", parseErr)
	}

	policyJSON, jsonErr := json.Marshal(clientPolicy{
		Aggressive:    nonNil(p.Aggressive),
		MessageFamily: nonNil(p.MessageFamily),
		Identity:      p.Identity,
	})
	if jsonErr != nil {
		return nil, fmt.Errorf("unable to serialize client policy: %w", jsonErr)
	}
	pathJSON, _ := json.Marshal(ScriptPath)

	data := scriptData{
		ScriptPath:     ScriptPath,
		ScriptPathJSON: string(pathJSON),
		Policy:         string(policyJSON),
	}

	var readErr error
	if data.Rules, readErr = readChunk("scripts/rules.js"); readErr != nil {
		return nil, readErr
	}
	if data.Runtime, readErr = readChunk("scripts/runtime.js"); readErr != nil {
		return nil, readErr
	}

	for _, surface := range surfaces {
		source, hookErr := readChunk("scripts/" + surface.File)
		if hookErr != nil {
			return nil, hookErr
		}
		label, _ := json.Marshal(surface.Name)
		data.Hooks = append(data.Hooks, hook{Name: surface.Name, Label: string(label), Source: source})
	}

	var buf bytes.Buffer
	if execErr := tmpl.Execute(&buf, data); execErr != nil {
		return nil, fmt.Errorf("unable to execute script template: %w", execErr)
	}

	return buf.Bytes(), nil
}

func readChunk(name string) (string, error) {
	contents, readErr := scripts.ReadFile(name)
	if readErr != nil {
		return "", fmt.Errorf("unable to read script chunk %q: %w", name, readErr)
	}

	return strings.TrimRight(string(contents), "\n"), nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
