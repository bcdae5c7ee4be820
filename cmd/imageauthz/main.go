// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// imageauthz starts an HTTP server that authorizes requests for images.
//
// The server exposes a forward-auth endpoint on /auth, a JSON delegate
// endpoint on /delegate/authorize, and Prometheus metrics on /metrics.  If
// -upstream is set, all other requests are authorized and then served from
// the upstream image server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/PaulARoy/azurestoragecache"
	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/imagehub/imageauthz"
	"github.com/imagehub/imageauthz/internal/gcscache"
	"github.com/imagehub/imageauthz/internal/s3cache"
	"github.com/imagehub/imageauthz/internal/ttldiskcache"
	"github.com/imagehub/imageauthz/third_party/envy"
	"github.com/peterbourgon/diskv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultMemorySize = 10

var addr = flag.String("addr", "localhost:8080", "TCP address to listen on")
var configFile = flag.String("config", "", "path of the YAML configuration file")
var cache tieredCache // see parseCache
var upstream = flag.String("upstream", "", "base URL of the image server to serve authorized requests from")
var passRequestHeaders = flag.String("passRequestHeaders", "", "comma separated list of request headers to pass to the image server")
var verbose = flag.Bool("verbose", false, "print verbose logging messages")

func init() {
	flag.Var(&cache, "cache", "location to cache authentication checks (memory, file, redis, s3, gcs or azure URL)")
}

func main() {
	envErr := parseFlags(flag.CommandLine, os.Args[1:])

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Fatal("error reading flags from environment", zap.Error(envErr))
	}

	if *configFile == "" {
		logger.Fatal("-config is required")
	}
	cfg, err := imageauthz.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal("error loading configuration", zap.Error(err))
	}

	h, err := imageauthz.NewHook(cfg, nil, cache.Cache)
	if err != nil {
		logger.Fatal("error creating hook", zap.Error(err))
	}
	h.Logger = logger.Named("hook")

	var gate *imageauthz.Gate
	if *upstream != "" {
		u, err := url.Parse(*upstream)
		if err != nil || !u.IsAbs() {
			logger.Fatal("invalid upstream URL", zap.String("upstream", *upstream), zap.Error(err))
		}
		gate = imageauthz.NewGate(h, u, nil)
		gate.Logger = logger.Named("gate")
		if *passRequestHeaders != "" {
			gate.PassRequestHeaders = strings.Split(*passRequestHeaders, ",")
		}
	}

	go reloadOnHangup(h, *configFile, logger)

	server := &http.Server{
		Addr:    *addr,
		Handler: newRouter(h, gate),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down", zap.Error(err))
		}
	}()

	logger.Info("imageauthz listening", zap.String("addr", server.Addr), zap.String("upstream", *upstream))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// parseFlags sets flags in fs from IMAGEAUTHZ_* environment variables and
// then from args, so that explicit flags win.  Parsing continues past a
// malformed environment value, so that -verbose is known when the error is
// reported; that error is returned.
func parseFlags(fs *flag.FlagSet, args []string) error {
	envErr := envy.Update("IMAGEAUTHZ", fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return envErr
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newRouter returns the handler for all routes.  Paths are not cleaned, so
// that encoded slashes in image identifiers reach the gate intact.
func newRouter(h *imageauthz.Hook, gate *imageauthz.Gate) http.Handler {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/auth", h)
	r.Handle("/delegate/authorize", imageauthz.DelegateHandler(h))
	r.Handle("/metrics", promhttp.Handler())
	if gate != nil {
		r.PathPrefix("/").Handler(gate)
	}
	return r
}

// reloadOnHangup reloads the configuration file each time the process
// receives SIGHUP.  A configuration that fails to load or validate is
// logged and the previous one stays in effect.
func reloadOnHangup(h *imageauthz.Hook, path string, logger *zap.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	for range c {
		if err := reload(h, path); err != nil {
			logger.Error("error reloading configuration", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Info("reloaded configuration", zap.String("path", path))
	}
}

func reload(h *imageauthz.Hook, path string) error {
	cfg, err := imageauthz.LoadConfig(path)
	if err != nil {
		return err
	}
	return h.SetConfig(cfg)
}

// tieredCache allows specifying multiple caches via flags, which will create
// tiered caches using the twotier package.
type tieredCache struct {
	imageauthz.Cache
}

func (tc *tieredCache) String() string {
	return fmt.Sprint(*tc)
}

func (tc *tieredCache) Set(value string) error {
	for _, v := range strings.Fields(value) {
		c, err := parseCache(v)
		if err != nil {
			return err
		}

		if tc.Cache == nil {
			tc.Cache = c
		} else {
			tc.Cache = twotier.New(tc.Cache, c)
		}
	}
	return nil
}

// parseCache parses c returns the specified Cache implementation.  Supported
// values are:
//
//	memory[:maxSizeMB[:maxAge]]
//	file:///path[?maxAge=1h]
//	redis://host:port/db
//	s3://region/bucket/prefix
//	gcs://bucket/prefix
//	azure://container
//
// Any other value is used as the path of a disk cache.
func parseCache(c string) (imageauthz.Cache, error) {
	if c == "" {
		return nil, nil
	}

	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache flag: %w", err)
	}

	switch u.Scheme {
	case "azure":
		return azurestoragecache.New("", "", u.Host)
	case "gcs":
		return gcscache.New(context.Background(), u.Host, strings.TrimPrefix(u.Path, "/"))
	case "memory":
		return lruCache(u.Opaque)
	case "redis", "rediss":
		return redisCache(u.String()), nil
	case "s3":
		return s3cache.New(u.String())
	case "file":
		if v := u.Query().Get("maxAge"); v != "" {
			age, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("error parsing file cache maxAge: %w", err)
			}
			c := ttldiskcache.New(u.Path, age)
			go c.SweepEvery(age, nil)
			return c, nil
		}
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

// lruCache creates an LRU Cache with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For key "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string {
			if len(s) < 4 {
				return nil
			}
			return []string{s[0:2], s[2:4]}
		},
	})
	return diskcache.NewWithDiskv(d)
}

// pooledRedisCache is a Cache backed by a pool of redis connections.  A
// single redis connection may not be shared by concurrent requests.
type pooledRedisCache struct {
	pool *redis.Pool
}

func redisCache(rawurl string) *pooledRedisCache {
	return &pooledRedisCache{pool: &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawurl,
				redis.DialPassword(os.Getenv("REDIS_PASSWORD")),
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(2*time.Second),
				redis.DialWriteTimeout(2*time.Second))
		},
	}}
}

func (c *pooledRedisCache) Get(key string) ([]byte, bool) {
	conn := c.pool.Get()
	defer conn.Close()
	return rediscache.NewWithClient(conn).Get(key)
}

func (c *pooledRedisCache) Set(key string, value []byte) {
	conn := c.pool.Get()
	defer conn.Close()
	rediscache.NewWithClient(conn).Set(key, value)
}

func (c *pooledRedisCache) Delete(key string) {
	conn := c.pool.Get()
	defer conn.Close()
	rediscache.NewWithClient(conn).Delete(key)
}
