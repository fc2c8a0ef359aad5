package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/linkio-p2p/linkio/pkg/connect"
	"github.com/linkio-p2p/linkio/pkg/metrics"
	"github.com/linkio-p2p/linkio/pkg/punch"
	"github.com/linkio-p2p/linkio/pkg/session"
)

const ConnectTimeout = 60 * time.Second

func main() {
	logger := logrus.New()

	v := viper.New()
	v.SetDefault("peer-id", "peer-"+uuid.NewString()[:8])
	v.SetDefault("rendezvous", "http://127.0.0.1:7777")
	v.SetDefault("role", "controller")
	v.SetDefault("metrics-listen", "")
	v.SetEnvPrefix("LINKIO")
	v.AutomaticEnv()
	v.SetConfigName("peer")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/linkio")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			logger.Fatalf("failed to read config: %v", err)
		}
	}

	peerID := v.GetString("peer-id")
	remotePeerID := v.GetString("remote-peer-id")
	if remotePeerID == "" {
		logger.Fatal("remote-peer-id is required")
	}

	var role punch.Role
	switch v.GetString("role") {
	case "controller":
		role = punch.RoleController
	case "agent":
		role = punch.RoleAgent
	default:
		logger.Fatalf("unknown role %q, want controller or agent", v.GetString("role"))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if addr := v.GetString("metrics-listen"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Errorf("metrics listener failed: %v", err)
			}
		}()
		logger.Infof("metrics on http://%s/metrics", addr)
	}

	sessionOpts := []session.Option{
		session.WithMetrics(m),
		session.WithLogger(logrLogger(logger)),
	}
	connOpts := []connect.Option{
		connect.WithRendezServer(v.GetString("rendezvous")),
		connect.WithSessionOptions(sessionOpts...),
		connect.WithLogger(logrLogger(logger)),
	}
	if servers := v.GetStringSlice("stun-servers"); len(servers) > 0 {
		connOpts = append(connOpts, connect.WithSTUNServers(servers))
	}

	connector := connect.NewConnector(peerID, connOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	sess, err := connector.Connect(ctx, remotePeerID, role)
	cancel()
	if err != nil {
		logger.Fatalf("failed to connect to peer: %v", err)
	}
	defer sess.Close()

	logger.Infof("session established with %s via %s", remotePeerID, sess.Remote())

	ctl, err := sess.Open(session.StreamControl)
	if err != nil {
		logger.Fatalf("failed to open control stream: %v", err)
	}

	// Minimal control chatter so both ends show liveness and RTT.
	go func() {
		for {
			payload, err := ctl.Receive(context.Background())
			if err != nil {
				logger.Infof("control stream closed: %v", err)
				return
			}
			logger.Infof("control <- %q (rtt %s)", payload, sess.RTT())
		}
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for i := 0; ; i++ {
			if err := ctl.Send([]byte(fmt.Sprintf("hello %d from %s", i, peerID))); err != nil {
				return
			}
			<-ticker.C
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case <-sess.Done():
		logger.Info("session ended")
	}
}

// logrLogger adapts the logrus logger to the logr API the packages take.
func logrLogger(log *logrus.Logger) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			log.Infof("%s: %s", prefix, args)
		} else {
			log.Info(args)
		}
	}, funcr.Options{})
}
