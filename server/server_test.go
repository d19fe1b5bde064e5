package server

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/metrics"
	metricsconfig "github.com/prebid/prebid-server-core/metrics/config"
	prometheusmetrics "github.com/prebid/prebid-server-core/metrics/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdminServer(t *testing.T) {
	cfg := &config.Configuration{
		Host:      "prebid.com",
		AdminPort: 6060,
		Port:      8000,
	}
	server := newAdminServer(cfg, http.HandlerFunc(handler))
	assert.Equal(t, "prebid.com:6060", server.Addr)
}

func TestNewMainServer(t *testing.T) {
	testCases := []struct {
		description  string
		enableGzip   bool
		expectedGzip bool
	}{
		{
			description:  "Plain responses",
			enableGzip:   false,
			expectedGzip: false,
		},
		{
			description:  "Gzipped responses",
			enableGzip:   true,
			expectedGzip: true,
		},
	}

	for _, test := range testCases {
		cfg := &config.Configuration{
			Host:       "prebid.com",
			AdminPort:  6060,
			Port:       8000,
			EnableGzip: test.enableGzip,
		}
		server := newMainServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// gziphandler leaves bodies under its minimum size uncompressed.
			w.Write([]byte(strings.Repeat("a", 2*gziphandler.DefaultMinSize)))
		}))

		assert.Equal(t, "prebid.com:8000", server.Addr, test.description)
		assert.Equal(t, 15*time.Second, server.ReadTimeout, test.description)
		assert.Equal(t, 15*time.Second, server.WriteTimeout, test.description)

		request := httptest.NewRequest(http.MethodPost, "/openrtb2/auction", nil)
		request.Header.Set("Accept-Encoding", "gzip")
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, request)

		assert.Equal(t, test.expectedGzip, recorder.Header().Get("Content-Encoding") == "gzip", test.description)
	}
}

func TestNewPrometheusServer(t *testing.T) {
	cfg := &config.Configuration{
		Host: "prebid.com",
		Metrics: config.Metrics{
			Prometheus: config.PrometheusMetrics{Port: 8080, TimeoutMillisRaw: 500},
		},
	}

	_, err := newPrometheusServer(cfg, &metricsconfig.DetailedMetricsEngine{})
	assert.Equal(t, errNoPrometheusEngine, err)

	engine := &metricsconfig.DetailedMetricsEngine{
		PrometheusMetrics: prometheusmetrics.NewMetrics(cfg.Metrics.Prometheus, config.DisabledMetrics{}),
	}
	server, err := newPrometheusServer(cfg, engine)
	require.NoError(t, err)
	assert.Equal(t, "prebid.com:8080", server.Addr)

	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestServerShutdown(t *testing.T) {
	server := &http.Server{}
	ln := &mockListener{}

	stopper := make(chan os.Signal)
	done := make(chan struct{})
	go shutdownAfterSignals(server, stopper, done)
	go server.Serve(ln)

	stopper <- os.Interrupt
	<-done

	// If the test didn't hang, then we know server.Shutdown really _did_ return, and shutdownAfterSignals
	// passed the message along as expected.
}

func TestWait(t *testing.T) {
	inbound := make(chan os.Signal)
	chan1 := make(chan os.Signal)
	chan2 := make(chan os.Signal)
	chan3 := make(chan os.Signal)
	done := make(chan struct{})

	go forwardSignal(t, done, chan1)
	go forwardSignal(t, done, chan2)
	go forwardSignal(t, done, chan3)

	go func(chan os.Signal) {
		inbound <- os.Interrupt
	}(inbound)

	wait(inbound, done, chan1, chan2, chan3)
	// If this doesn't hang, then wait() is sending and receiving messages as expected.
}

func TestRunServer(t *testing.T) {
	assert.EqualError(t, runServer(nil, "Main", nil), ">> Server is a nil_ptr.")
	assert.EqualError(t, runServer(&http.Server{}, "Main", nil), ">> Listener is a nil.")
}

func TestNewListener(t *testing.T) {
	var nilEngine *metricsconfig.DetailedMetricsEngine

	ln, err := newListener("127.0.0.1:0", nilEngine)
	require.NoError(t, err)
	defer ln.Close()
	_, monitored := ln.(*monitorableListener)
	assert.False(t, monitored, "a nil engine must not be monitored")

	metricsEngine := &metrics.MetricsEngineMock{}
	monitoredLn, err := newListener("127.0.0.1:0", metricsEngine)
	require.NoError(t, err)
	defer monitoredLn.Close()
	_, monitored = monitoredLn.(*monitorableListener)
	assert.True(t, monitored)
}

func TestMonitorableListener(t *testing.T) {
	testCases := []struct {
		description    string
		acceptErr      error
		closeErr       error
		expectedAccept bool
		expectedClose  bool
	}{
		{
			description:    "Accept and close succeed",
			expectedAccept: true,
			expectedClose:  true,
		},
		{
			description:    "Close fails",
			closeErr:       errors.New("close failed"),
			expectedAccept: true,
			expectedClose:  false,
		},
		{
			description:    "Accept fails",
			acceptErr:      errors.New("accept failed"),
			expectedAccept: false,
		},
	}

	for _, test := range testCases {
		metricsEngine := &metrics.MetricsEngineMock{}
		metricsEngine.On("RecordConnectionAccept", test.expectedAccept).Once()
		if test.acceptErr == nil {
			metricsEngine.On("RecordConnectionClose", test.expectedClose).Once()
		}

		ln := &monitorableListener{
			Listener: &mockListener{acceptErr: test.acceptErr, conn: &mockConn{closeErr: test.closeErr}},
			metrics:  metricsEngine,
		}

		conn, err := ln.Accept()
		if test.acceptErr != nil {
			assert.Equal(t, test.acceptErr, err, test.description)
		} else {
			require.NoError(t, err, test.description)
			assert.Equal(t, test.closeErr, conn.Close(), test.description)
		}

		metricsEngine.AssertExpectations(t)
	}
}

func handler(w http.ResponseWriter, req *http.Request) {

}

// forwardSignal is basically a working mock for shutdownAfterSignals().
// It is used to test wait() effectively
func forwardSignal(t *testing.T, outbound chan<- struct{}, inbound <-chan os.Signal) {
	var s struct{}
	sig := <-inbound
	if sig != os.Interrupt {
		t.Errorf("Unexpected signal: %s\n", sig.String())
	}
	outbound <- s
}

type mockListener struct {
	acceptErr error
	conn      net.Conn
}

func (l *mockListener) Accept() (net.Conn, error) {
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	if l.conn != nil {
		return l.conn, nil
	}
	return nil, errors.New("mock listener never accepts connections")
}

func (l *mockListener) Close() error {
	return nil
}

func (l *mockListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8000}
}

type mockConn struct {
	net.Conn
	closeErr error
}

func (c *mockConn) Close() error {
	return c.closeErr
}
