package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/TheHackerDev/uaproxy/internal/config"
	"github.com/TheHackerDev/uaproxy/internal/proxy"
	"github.com/TheHackerDev/uaproxy/internal/proxy/injector"
	"github.com/TheHackerDev/uaproxy/internal/webui"
)

func main() {
	// Set logging output level
	if os.Getenv("DEBUG") == "true" {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	// Enable timestamps in logging (including milliseconds)
	log.SetFormatter(&log.TextFormatter{TimestampFormat: "2006-01-02 15:04:05.0000", FullTimestamp: true})

	log.Info("uaproxy started.")

	// fatalErrChan is an error channel for use by all goroutines that send fatal error messages.
	fatalErrChan := make(chan error, 1)

	// Get the config object, which is used by all components, and performs various initialization checks.
	// That is where the flags are all parsed as well.
	cfg, configErr := config.NewConfig(os.Args[1:])
	if configErr != nil {
		log.WithError(configErr).Fatal("unable to initialize application configuration")
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	// Generate the interception script
	pluginInjector, injectorErr := injector.NewInjector(cfg.Policy)
	if injectorErr != nil {
		log.WithError(injectorErr).Fatal("unable to initialize injector")
	}

	// Start proxy
	pluginProxy, proxyErr := proxy.NewProxy(cfg, pluginInjector, webui.NewWebUI(cfg))
	if proxyErr != nil {
		log.WithError(proxyErr).Fatal("unable to initialize proxy")
	}
	go func() {
		if runErr := pluginProxy.Run(); runErr != nil {
			fatalErrChan <- fmt.Errorf("problem with proxy server: %w", runErr)
		}
	}()

	// Start metrics server
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", pluginProxy.MetricsHandler())

		metricsServer := &http.Server{
			Addr:              cfg.MetricsListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("address", cfg.MetricsListenAddr).Info("metrics listening")
			if metricsErr := metricsServer.ListenAndServe(); metricsErr != nil {
				fatalErrChan <- fmt.Errorf("problem with metrics server: %w", metricsErr)
			}
		}()
	}

	log.Infof("open http://localhost%s/https://www.bilibili.com to browse through the proxy", portOf(cfg.ListenAddr))

	// Listen for fatal errors
	fatalErr := <-fatalErrChan
	log.WithError(fatalErr).Fatal("fatal error received. Exiting.")
}

// portOf returns the ":port" part of a listen address.
func portOf(addr string) string {
	_, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return ""
	}

	return ":" + port
}
