// Command relayd runs the store-and-forward relay. It keeps undelivered
// envelopes in memory until the recipient fetches and acknowledges them
// or the TTL expires.
//
// Configuration comes from the environment, optionally seeded from a
// .env file:
//
//	RELAY_ADDR  listen address (default :8080)
//	RELAY_TTL   envelope time-to-live, Go duration (default 168h)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/relay"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
		}).Debug("No .env file found, using environment")
	}

	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store := relay.NewEnvelopeStore()
	if rawTTL := os.Getenv("RELAY_TTL"); rawTTL != "" {
		ttl, err := time.ParseDuration(rawTTL)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "main",
				"value":    rawTTL,
				"error":    err,
			}).Fatal("Invalid RELAY_TTL")
		}
		store.SetTTL(ttl)
	}
	store.StartSweeper()

	hub := relay.NewHub()
	go hub.Run()

	server := &http.Server{
		Addr:              addr,
		Handler:           relay.NewServer(store, hub).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"addr":     addr,
		}).Info("Relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				"function": "main",
				"error":    err,
			}).Fatal("Relay server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.WithFields(logrus.Fields{
		"function": "main",
	}).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err,
		}).Error("Shutdown error")
	}
	hub.Close()
	store.Stop()
}
