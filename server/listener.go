package server

import (
	"net"

	"github.com/golang/glog"
	"github.com/prebid/prebid-server-core/metrics"
)

// monitorableListener tracks any opened connections in the metrics.
type monitorableListener struct {
	net.Listener
	metrics metrics.MetricsEngine
}

// monitorableConnection tracks any closed connections in the metrics.
type monitorableConnection struct {
	net.Conn
	metrics metrics.MetricsEngine
}

func (l *monitorableConnection) Close() error {
	err := l.Conn.Close()
	if err == nil {
		l.metrics.RecordConnectionClose(true)
	} else {
		glog.Errorf("Error closing connection: %v", err)
		l.metrics.RecordConnectionClose(false)
	}
	return err
}

func (ln *monitorableListener) Accept() (net.Conn, error) {
	conn, err := ln.Listener.Accept()
	if err != nil {
		glog.Errorf("Error accepting connection: %v", err)
		ln.metrics.RecordConnectionAccept(false)
		return conn, err
	}
	ln.metrics.RecordConnectionAccept(true)
	return &monitorableConnection{
		conn,
		ln.metrics,
	}, nil
}
