package injector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheHackerDev/uaproxy/internal/canon"
	"github.com/TheHackerDev/uaproxy/internal/config"
	"github.com/TheHackerDev/uaproxy/internal/policy"
	"github.com/TheHackerDev/uaproxy/internal/proxy/rewriter"
)

const testProxyBase = "http://localhost:7891"

// installURL provides a URL constructor backed by net/url, so the rules resolve exactly like the server.
// It is stricter than a browser's WHATWG URL: net/url rejects stray percent signs such as "%zz", where a
// browser keeps them and resolves the value as a relative path. TestRulesBrowserURLParsing covers that
// difference with installBrowserURL.
func installURL(t *testing.T, vm *goja.Runtime) {
	t.Helper()
	require.NoError(t, vm.Set("URL", urlConstructor(vm, false)))
}

// installBrowserURL is installURL with the WHATWG leniency for stray percent signs.
func installBrowserURL(t *testing.T, vm *goja.Runtime) {
	t.Helper()
	require.NoError(t, vm.Set("URL", urlConstructor(vm, true)))
}

func urlConstructor(vm *goja.Runtime, lenient bool) func(call goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		raw := call.Argument(0).String()
		input := raw
		if lenient {
			input = escapeStrayPercents(raw)
		}
		ref, refErr := url.Parse(input)
		if refErr != nil {
			panic(vm.NewTypeError("Invalid URL: " + raw))
		}

		resolved := ref
		if base := call.Argument(1); !goja.IsUndefined(base) && !goja.IsNull(base) {
			baseURL, baseErr := url.Parse(base.String())
			if baseErr != nil || baseURL.Scheme == "" {
				panic(vm.NewTypeError("Invalid base URL: " + base.String()))
			}
			resolved = baseURL.ResolveReference(ref)
		}
		if resolved.Scheme == "" {
			panic(vm.NewTypeError("Invalid URL: " + raw))
		}

		_ = call.This.Set("href", resolved.String())
		_ = call.This.Set("protocol", resolved.Scheme+":")
		_ = call.This.Set("host", resolved.Host)
		return nil
	}
}

// escapeStrayPercents encodes every '%' that does not start a valid escape.
func escapeStrayPercents(value string) string {
	isHex := func(c byte) bool {
		return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
	}

	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] == '%' && (i+2 >= len(value) || !isHex(value[i+1]) || !isHex(value[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(value[i])
	}

	return b.String()
}

func newRulesRuntime(t *testing.T) *goja.Runtime {
	t.Helper()

	vm := goja.New()
	installURL(t, vm)
	loadRules(t, vm)

	return vm
}

func loadRules(t *testing.T, vm *goja.Runtime) {
	t.Helper()

	source, readErr := scripts.ReadFile("scripts/rules.js")
	require.NoError(t, readErr)
	_, runErr := vm.RunString(string(source))
	require.NoError(t, runErr)
}

// jsContext converts a canon.Context into the object the rules expect.
func jsContext(t *testing.T, vm *goja.Runtime, ctx canon.Context) goja.Value {
	t.Helper()

	encoded, err := json.Marshal(map[string]any{
		"proxyBase":  ctx.ProxyBase,
		"targetBase": ctx.TargetBase,
		"pageOrigin": ctx.PageOrigin,
		"aggressive": ctx.Aggressive,
	})
	require.NoError(t, err)

	value, err := vm.RunString("(" + string(encoded) + ")")
	require.NoError(t, err)
	return value
}

func callRule(t *testing.T, vm *goja.Runtime, name string, args ...goja.Value) goja.Value {
	t.Helper()

	rules := vm.Get("proxyRules").ToObject(vm)
	fn, ok := goja.AssertFunction(rules.Get(name))
	require.True(t, ok, "proxyRules.%s is not a function", name)

	result, err := fn(rules, args...)
	require.NoError(t, err)
	return result
}

func testContext() canon.Context {
	return canon.Context{
		ProxyBase:  testProxyBase,
		TargetBase: "https://example.com/dir/page.html",
		Aggressive: policy.Default().Aggressive,
	}
}

func TestRulesMatchServerCanonicalization(t *testing.T) {
	vm := newRulesRuntime(t)
	ctx := testContext()
	jsCtx := jsContext(t, vm, ctx)

	inputs := []string{
		"",
		"  ",
		"https://cdn.example.net/a.js",
		"HTTPS://Example.com/x",
		"wss://chat.example.com/sub",
		"/logo.png",
		"img/a.png",
		"../up.css",
		"?page=2",
		"//static.example.com/s.js",
		"http://localhost:7891/https://example.com/a",
		"data:image/png;base64,AAAA",
		"blob:https://example.com/1234",
		"javascript:void(0)",
		"#top",
		"mailto:someone@example.com",
		"passport.bilibili.com/%zz/login",
		"example.org/%zz",
		"/%zz",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			got := callRule(t, vm, "canonicalize", jsCtx, vm.ToValue(input))
			assert.Equal(t, ctx.Canonicalize(input), got.String())
		})
	}
}

func TestRulesBrowserURLParsing(t *testing.T) {
	vm := goja.New()
	installBrowserURL(t, vm)
	loadRules(t, vm)

	ctx := testContext()
	jsCtx := jsContext(t, vm, ctx)

	// A browser parses a stray escape as a relative path, so the aggressive fallback does not apply
	// client-side: the value resolves against the page instead of being forced to https.
	const input = "passport.bilibili.com/%zz/login"
	got := callRule(t, vm, "canonicalize", jsCtx, vm.ToValue(input)).String()

	assert.True(t, strings.HasPrefix(got, testProxyBase+"/https://example.com/dir/passport.bilibili.com/"), got)
	assert.NotEqual(t, ctx.Canonicalize(input), got)
	assert.Equal(t, testProxyBase+"/https://passport.bilibili.com/%zz/login", ctx.Canonicalize(input))
}

func TestRulesMatchServerRewrites(t *testing.T) {
	vm := newRulesRuntime(t)
	ctx := testContext()
	jsCtx := jsContext(t, vm, ctx)

	srcsets := []string{
		"/a.png 1x, /b.png 2x",
		"  /a.png   480w ,\n/b.png 960w",
		"/a.png, /b.png",
		"data:image/png;base64,AAAA 1x",
	}
	for _, value := range srcsets {
		got := callRule(t, vm, "rewriteSrcset", jsCtx, vm.ToValue(value))
		assert.Equal(t, rewriter.Srcset(value, ctx), got.String(), "srcset %q", value)
	}

	refreshes := []string{"5;url=/next", "0; URL=https://other.example/", "1; url='/quoted'", "30"}
	for _, value := range refreshes {
		got := callRule(t, vm, "rewriteRefresh", jsCtx, vm.ToValue(value))
		assert.Equal(t, rewriter.Refresh(value, ctx), got.String(), "refresh %q", value)
	}

	styles := []string{
		"background: url('/bg.png')",
		"background: url( /bg.png )",
		"background: url(data:image/png;base64,AAA)",
		"src:url(a.woff) format('woff'),URL('b.ttf')",
		"filter: url(#blur)",
	}
	for _, value := range styles {
		got := callRule(t, vm, "rewriteCssUrls", jsCtx, vm.ToValue(value))
		assert.Equal(t, rewriter.CSS(value, ctx), got.String(), "css %q", value)
	}
}

func TestRulesSocketURL(t *testing.T) {
	vm := newRulesRuntime(t)

	tests := []struct {
		name      string
		proxyBase string
		input     string
		want      string
	}{
		{"absolute wss", testProxyBase, "wss://broadcast.example.com/sub", "ws://localhost:7891/wss://broadcast.example.com/sub"},
		{"relative path", testProxyBase, "/sub?room=1", "ws://localhost:7891/wss://live.example.com/sub?room=1"},
		{"http target", testProxyBase, "http://plain.example.com/ws", "ws://localhost:7891/ws://plain.example.com/ws"},
		{"already tunneled", testProxyBase, "ws://localhost:7891/wss://x.example.com/y", "ws://localhost:7891/wss://x.example.com/y"},
		{"secure proxy", "https://proxy.example", "wss://broadcast.example.com/sub", "wss://proxy.example/wss://broadcast.example.com/sub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := canon.Context{ProxyBase: tt.proxyBase, TargetBase: "https://live.example.com/room/1"}
			got := callRule(t, vm, "socketUrl", jsContext(t, vm, ctx), vm.ToValue(tt.input))
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestRulesMessageTargetOrigin(t *testing.T) {
	vm := newRulesRuntime(t)
	family := vm.ToValue(policy.Default().MessageFamily)
	page := vm.ToValue(testProxyBase)

	tests := []struct {
		name   string
		origin goja.Value
		want   string
	}{
		{"undefined", goja.Undefined(), "*"},
		{"null", goja.Null(), "*"},
		{"string undefined", vm.ToValue("undefined"), "*"},
		{"wildcard", vm.ToValue("*"), "*"},
		{"family origin", vm.ToValue("https://www.bilibili.com"), "*"},
		{"asset family origin", vm.ToValue("https://s1.hdslb.com"), "*"},
		{"proxy origin", vm.ToValue(testProxyBase), testProxyBase},
		{"foreign origin", vm.ToValue("https://other.example"), "https://other.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := callRule(t, vm, "messageTargetOrigin", tt.origin, page, family)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestScriptCompiles(t *testing.T) {
	inj, err := NewInjector(policy.Default())
	require.NoError(t, err)

	script := string(inj.Script())
	_, compileErr := goja.Compile("preload.js", script, false)
	require.NoError(t, compileErr)

	for _, surface := range Surfaces {
		assert.Contains(t, script, "// "+surface.Name+"\n", "surface %q missing from script", surface.Name)
	}
	assert.Contains(t, script, `"passport.bilibili.com"`)
	assert.Contains(t, script, `"Google Chrome"`)
}

// stubBrowser is just enough of a browser for the hooks that can install without a DOM. Everything else
// fails inside its own try/catch.
const stubBrowser = `
var window = {
  location: { href: 'http://localhost:7891/https://example.com/dir/page.html', origin: 'http://localhost:7891' },
  __PROXY_CONFIG__: { proxyBase: 'http://localhost:7891', config: { processLinks: true } },
  fetch: function (input) { return input; },
  postMessage: function (message, origin) { return origin; },
  WebSocket: function (url) { this.url = url; }
};
var navigator = { userAgentData: { platform: 'Android', mobile: true } };
var clickListeners = 0;
var document = { addEventListener: function () { clickListeners++; } };
`

func TestScriptInstallsHooks(t *testing.T) {
	inj, err := NewInjector(policy.Default())
	require.NoError(t, err)

	vm := goja.New()
	installURL(t, vm)
	_, err = vm.RunString(stubBrowser)
	require.NoError(t, err)

	// Hooks whose globals are missing must not stop the rest.
	_, err = vm.RunString(string(inj.Script()))
	require.NoError(t, err)

	tests := []struct {
		expr string
		want any
	}{
		{`window.__PROXY_URL__('/next')`, "http://localhost:7891/https://example.com/next"},
		{`window.fetch('/api/data')`, "http://localhost:7891/https://example.com/api/data"},
		{`new window.WebSocket('/sub').url`, "ws://localhost:7891/wss://example.com/sub"},
		{`window.postMessage('hi', 'https://www.bilibili.com')`, "*"},
		{`navigator.webdriver === undefined`, true},
		{`navigator.userAgentData.platform`, "Windows"},
		{`navigator.userAgentData.mobile`, false},
		{`navigator.userAgentData.brands.length`, int64(3)},
		{`clickListeners`, int64(1)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			value, runErr := vm.RunString(tt.expr)
			require.NoError(t, runErr)
			assert.Equal(t, tt.want, value.Export())
		})
	}

	// A second load is a no-op.
	_, err = vm.RunString(string(inj.Script()))
	require.NoError(t, err)
	value, err := vm.RunString(`clickListeners`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value.Export())
}

func TestScriptLinksDisabled(t *testing.T) {
	inj, err := NewInjector(policy.Default())
	require.NoError(t, err)

	vm := goja.New()
	installURL(t, vm)
	_, err = vm.RunString(strings.Replace(stubBrowser, "processLinks: true", "processLinks: false", 1))
	require.NoError(t, err)
	_, err = vm.RunString(string(inj.Script()))
	require.NoError(t, err)

	value, err := vm.RunString(`clickListeners`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value.Export())
}

func TestServeHTTP(t *testing.T) {
	inj, err := NewInjector(policy.Default())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	inj.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ScriptPath, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Equal(t, inj.Script(), rec.Body.Bytes())
}

func TestBootstrap(t *testing.T) {
	snippet, err := Bootstrap(testProxyBase, config.RewriteConfig{ProcessLinks: true})
	require.NoError(t, err)
	assert.Equal(t,
		`<script>window.__PROXY_CONFIG__ = {"proxyBase":"http://localhost:7891","config":{"processLinks":true}};</script>`+
			`<script src="/__proxy_preload.js"></script>`,
		snippet)

	hostile, err := Bootstrap(`http://evil</script><script>alert(1)//`, config.RewriteConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(hostile, "</script>"))
}
