package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/linkio-p2p/linkio/pkg/rendez/server"
	"github.com/linkio-p2p/linkio/pkg/rendez/store"
)

const ShutdownTimeout = 5 * time.Second

func main() {
	logger := logrus.New()

	v := viper.New()
	v.SetDefault("listen", ":7777")
	v.SetEnvPrefix("LINKIO")
	v.AutomaticEnv()
	v.SetConfigName("rendezvous")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/linkio")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			logger.Fatalf("failed to read config: %v", err)
		}
	}

	addr := v.GetString("listen")

	srv := server.NewRendezvous(store.NewMemory())
	if err := srv.Start(addr); err != nil {
		logger.Fatalf("failed to start rendezvous server: %v", err)
	}
	logger.Infof("rendezvous server listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Errorf("failed to stop rendezvous server: %v", err)
	}
	logger.Info("rendezvous server stopped")
}
