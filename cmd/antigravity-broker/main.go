// Command antigravity-broker runs the local intercept proxy: host model
// calls aimed at the generative endpoint are rewritten into the upstream's
// project-wrapped format and authenticated with the rotating OAuth account
// pool.
package main

import (
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/antigravity-broker/internal/account"
	"github.com/router-for-me/antigravity-broker/internal/auth"
	"github.com/router-for-me/antigravity-broker/internal/broker"
	"github.com/router-for-me/antigravity-broker/internal/cache"
	"github.com/router-for-me/antigravity-broker/internal/config"
	"github.com/router-for-me/antigravity-broker/internal/httpclient"
	"github.com/router-for-me/antigravity-broker/internal/logging"
	"github.com/router-for-me/antigravity-broker/internal/project"
	"github.com/router-for-me/antigravity-broker/internal/stream"
	"github.com/router-for-me/antigravity-broker/internal/transform"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:51122", "listen address")
	configPath := flag.String("config", filepath.Join(config.Dir(), "antigravity-broker.yaml"), "config file path")
	flag.Parse()

	cfg := config.Load(*configPath)
	if err := logging.ConfigureLogOutput(cfg.Debug, cfg.ResolveLogDir()); err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	toast := func(message string) {
		if !cfg.QuietMode {
			log.Info(message)
		}
	}

	store := auth.NewStore(config.Dir())
	manager := account.NewManager(store, toast)
	log.Infof("loaded %d accounts from %s", manager.Len(), store.Path())

	client := httpclient.New(cfg.ProxyURL, 0)
	refresher := auth.NewRefresher(client)
	projects := project.NewResolver(client, manager.SetManagedProject)

	sigCache := cache.New(cache.Options{
		Enabled:       cfg.SignatureCache.Enabled && cfg.KeepThinking,
		MemoryTTL:     time.Duration(cfg.SignatureCache.MemoryTTLSeconds) * time.Second,
		DiskTTL:       time.Duration(cfg.SignatureCache.DiskTTLSeconds) * time.Second,
		WriteInterval: time.Duration(cfg.SignatureCache.WriteIntervalSeconds) * time.Second,
		Path:          filepath.Join(config.Dir(), cache.FileName),
	})

	transformer := transform.NewTransformer(cfg, sigCache, uuid.NewString())
	responses := stream.NewTransformer(sigCache)
	dispatcher := broker.NewDispatcher(cfg, manager, refresher, projects, transformer, responses, sigCache, client)

	queue := account.NewRefreshQueue(manager, refresher,
		time.Duration(cfg.BufferSeconds)*time.Second,
		time.Duration(cfg.CheckIntervalSeconds)*time.Second)
	if cfg.ProactiveTokenRefresh {
		queue.Start()
	}

	watcher, err := account.WatchAccountsFile(store, manager)
	if err != nil {
		log.Warnf("accounts watcher unavailable: %v", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": manager.Len()})
	})
	engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"accounts":        manager.Len(),
			"refreshQueue":    queue.Stats(),
			"signatureCache":  sigCache.Statistics(),
			"signatureCached": sigCache.Len(),
		})
	})
	engine.POST("/v1beta/*path", func(c *gin.Context) {
		upstreamURL := "https://generativelanguage.googleapis.com/v1beta" + c.Param("path")
		if !transform.ShouldIntercept(upstreamURL) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not an interceptable model call"})
			return
		}
		body, errRead := io.ReadAll(c.Request.Body)
		if errRead != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errRead.Error()})
			return
		}
		result, errDispatch := dispatcher.Dispatch(c.Request.Context(), upstreamURL, body)
		if errDispatch != nil {
			log.Errorf("dispatch failed: %v", errDispatch)
			c.JSON(http.StatusBadGateway, gin.H{"error": errDispatch.Error()})
			return
		}
		defer func() { _ = result.Body.Close() }()
		for name, values := range result.Headers {
			for _, value := range values {
				c.Writer.Header().Add(name, value)
			}
		}
		c.Status(result.Status)
		_, _ = io.Copy(c.Writer, result.Body)
	})

	server := &http.Server{Addr: *listen, Handler: engine}
	go func() {
		log.Infof("antigravity broker listening on %s", *listen)
		if errServe := server.ListenAndServe(); errServe != nil && errServe != http.ErrServerClosed {
			log.Fatalf("server: %v", errServe)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	queue.Stop()
	if watcher != nil {
		_ = watcher.Close()
	}
	sigCache.Close()
	_ = server.Close()
}

// requestLogger is a minimal gin middleware logging method, path, status and
// latency at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": uuid.NewString()[:8],
		}).Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
