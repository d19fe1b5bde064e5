package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/golang/glog"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/metrics"
	metricsconfig "github.com/prebid/prebid-server-core/metrics/config"
)

// Listen blocks forever, serving PBS requests on the given port. This will block forever, until the process is shut down.
func Listen(cfg *config.Configuration, handler http.Handler, adminHandler http.Handler, metricsEngine *metricsconfig.DetailedMetricsEngine) error {
	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, syscall.SIGTERM, syscall.SIGINT)

	// Run the servers. Fan any process-stopper signals out to each server for graceful shutdowns.
	stopAdmin := make(chan os.Signal)
	stopMain := make(chan os.Signal)
	stopPrometheus := make(chan os.Signal)
	done := make(chan struct{})

	mainServer := newMainServer(cfg, handler)
	mainListener, err := newListener(mainServer.Addr, metricsEngine)
	if err != nil {
		return fmt.Errorf("main server: %v", err)
	}
	adminServer := newAdminServer(cfg, adminHandler)
	adminListener, err := newListener(adminServer.Addr, nil)
	if err != nil {
		mainListener.Close()
		return fmt.Errorf("admin server: %v", err)
	}

	go shutdownAfterSignals(mainServer, stopMain, done)
	go shutdownAfterSignals(adminServer, stopAdmin, done)
	go runServer(mainServer, "Main", mainListener)
	go runServer(adminServer, "Admin", adminListener)

	if cfg.Metrics.Prometheus.Port != 0 {
		prometheusServer, err := newPrometheusServer(cfg, metricsEngine)
		if err != nil {
			glog.Error(err)
			wait(stopSignals, done, stopMain, stopAdmin)
			return err
		}
		prometheusListener, err := newListener(prometheusServer.Addr, nil)
		if err != nil {
			glog.Errorf("Error listening for TCP connections on %s: %v for prometheus server", prometheusServer.Addr, err)
			wait(stopSignals, done, stopMain, stopAdmin)
			return err
		}
		go shutdownAfterSignals(prometheusServer, stopPrometheus, done)
		go runServer(prometheusServer, "Prometheus", prometheusListener)

		wait(stopSignals, done, stopMain, stopAdmin, stopPrometheus)
	} else {
		wait(stopSignals, done, stopMain, stopAdmin)
	}
	return nil
}

func newAdminServer(cfg *config.Configuration, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.AdminPort),
		Handler: handler,
	}
}

func newMainServer(cfg *config.Configuration, handler http.Handler) *http.Server {
	serverHandler := handler
	if cfg.EnableGzip {
		serverHandler = gziphandler.GzipHandler(handler)
	}

	return &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      serverHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

func runServer(server *http.Server, name string, listener net.Listener) error {
	if server == nil {
		return fmt.Errorf(">> Server is a nil_ptr.")
	}
	if listener == nil {
		return fmt.Errorf(">> Listener is a nil.")
	}

	glog.Infof("%s server starting on: %s", name, server.Addr)
	err := server.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("%s server quit with error: %v", name, err)
	}
	return err
}

func newListener(address string, metricsEngine metrics.MetricsEngine) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("Error listening for TCP connections on %s: %v", address, err)
	}

	// Guard against a nil *DetailedMetricsEngine hidden inside the interface.
	if engine, ok := metricsEngine.(*metricsconfig.DetailedMetricsEngine); ok && engine == nil {
		metricsEngine = nil
	}
	if metricsEngine != nil {
		ln = &monitorableListener{ln, metricsEngine}
	}

	return ln, nil
}

func wait(inbound <-chan os.Signal, done <-chan struct{}, outbound ...chan<- os.Signal) {
	sig := <-inbound

	for i := 0; i < len(outbound); i++ {
		go sendSignal(outbound[i], sig)
	}

	for i := 0; i < len(outbound); i++ {
		<-done
	}
}

func shutdownAfterSignals(server *http.Server, stopper <-chan os.Signal, done chan<- struct{}) {
	sig := <-stopper

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var s struct{}
	glog.Infof("Stopping %s because of signal: %s", server.Addr, sig.String())
	if err := server.Shutdown(ctx); err != nil {
		glog.Errorf("Failed to shutdown %s: %v", server.Addr, err)
	}
	done <- s
}

func sendSignal(to chan<- os.Signal, sig os.Signal) {
	to <- sig
}
