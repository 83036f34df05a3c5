// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/px/pkg/config"
	"github.com/go-core-stack/px/pkg/credential"
	"github.com/go-core-stack/px/pkg/debuglog"
	"github.com/go-core-stack/px/pkg/handler"
	"github.com/go-core-stack/px/pkg/noproxy"
	"github.com/go-core-stack/px/pkg/pac"
	"github.com/go-core-stack/px/pkg/proxylist"
	"github.com/go-core-stack/px/pkg/resolver"
	"github.com/go-core-stack/px/pkg/runtime"
	"github.com/go-core-stack/px/pkg/server"
	"github.com/go-core-stack/px/pkg/supervisor"
	"github.com/go-core-stack/px/pkg/upstream"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	defer func() {
		if r := recover(); r != nil {
			new(debuglog.Sink).Panic(debug.Stack())
			log.Error().Interface("panic", r).Msg("unrecoverable error, exiting")
			os.Exit(1)
		}
	}()

	cfg, actions, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}

	if actions.Help {
		printHelp()
		return
	}
	if actions.Save {
		if err := cfg.Save(cfg.ConfigFile); err != nil {
			log.Fatal().Err(err).Msg("failed to save configuration")
		}
		fmt.Printf("Saved configuration to %s\n", cfg.ConfigFile)
		return
	}
	if actions.Password {
		in := bufio.NewWriter(os.Stdout)
		if err := credential.SetPassword(cfg.Username, os.Stdin, in); err != nil {
			log.Fatal().Err(err).Msg("failed to set password")
		}
		return
	}
	if actions.Install || actions.Uninstall || actions.Quit || actions.Restart {
		log.Fatal().Msg("--install/--uninstall/--quit/--restart require the platform service manager integration, not available in this build")
	}

	sinkMode, err := debuglog.ParseMode(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log mode")
	}
	sink, err := debuglog.New(sinkMode, cfg.Port)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open debug sink")
	}
	defer sink.Close()

	noProxyMatcher, warnings := noproxy.Parse(cfg.NoProxy)
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	allowMatcher, allowWarnings := noproxy.Parse(cfg.Allow)
	for _, w := range allowWarnings {
		log.Warn().Msg(w)
	}

	res, err := buildResolver(cfg, noProxyMatcher, sink.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build upstream resolver")
	}

	rt := runtime.New(cfg, sink, res)

	credProvider := credential.NewProvider()
	driver := upstream.NewDriver(cfg.SockTimeout, cfg.Idle)
	authMask, err := upstream.ParseSchemeMask(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid auth scheme")
	}

	handlerCfg := handler.Config{
		UserAgent:   cfg.UserAgent,
		Principal:   cfg.Username,
		AuthMask:    authMask,
		SockTimeout: cfg.SockTimeout,
		IdleTimeout: cfg.Idle,
	}

	if actions.Test != "" {
		runConnectivityTest(rt, driver, credProvider, handlerCfg, actions.Test)
		return
	}

	h := handler.New(rt.Resolver(), driver, credProvider, handlerCfg, sink.Logger)

	admission := server.NewAdmission(allowMatcher, cfg.HostOnly)
	pool := server.NewPool(cfg.Threads, admission, h.ServeConn, sink.Logger)

	listenAddrs := listenAddresses(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if listeners, _, ok := supervisor.IsWorkerChild(); ok {
		runWorker(ctx, listeners, pool)
		return
	}

	sup := supervisor.New(supervisor.Config{ListenAddrs: listenAddrs, Workers: cfg.Workers, Log: sink.Logger})

	go waitForShutdown(cancel)

	if err := sup.Run(ctx, func(ctx context.Context, listeners []net.Listener) error {
		return runWorker(ctx, listeners, pool)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to bind listeners")
	}
}

func runWorker(ctx context.Context, listeners []net.Listener, pool *server.Pool) error {
	for _, ln := range listeners {
		ln := ln
		go func() {
			if err := pool.Serve(ctx, ln); err != nil {
				log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("accept loop exited")
			}
		}()
	}
	<-ctx.Done()
	for _, ln := range listeners {
		ln.Close()
	}
	pool.Wait()
	return nil
}

func waitForShutdown(cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down px")
	cancel()
}

func listenAddresses(cfg *config.Config) []string {
	listen := cfg.Listen
	if cfg.Gateway {
		listen = []string{""}
	}
	addrs := make([]string, 0, len(listen))
	for _, iface := range listen {
		addrs = append(addrs, net.JoinHostPort(iface, strconv.Itoa(cfg.Port)))
	}
	return addrs
}

func buildResolver(cfg *config.Config, noProxyMatcher *noproxy.Matcher, log zerolog.Logger) (*resolver.Resolver, error) {
	switch {
	case cfg.PAC != "":
		body, err := fetchPAC(context.Background(), cfg.PAC)
		if err != nil {
			return nil, fmt.Errorf("load pac %q: %w", cfg.PAC, err)
		}
		script, err := pac.Compile(body)
		if err != nil {
			return nil, fmt.Errorf("compile pac %q: %w", cfg.PAC, err)
		}
		helpers := &pac.NetHelpers{}
		if addrs, err := net.InterfaceAddrs(); err == nil {
			for _, addr := range addrs {
				if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
					helpers.LocalIPs = append(helpers.LocalIPs, ipNet.IP.String())
				}
			}
		}
		mode := resolver.PACStatic
		var fetch resolver.Fetcher
		if isURL(cfg.PAC) {
			mode = resolver.PACSystem
			fetch = fetchPAC
		}
		return resolver.NewPAC(mode, cfg.PAC, script, fetch, cfg.ProxyReload, noProxyMatcher, helpers, log), nil

	case cfg.Server != "":
		return resolver.New(resolver.Static, proxylist.ParseStatic(cfg.Server), noProxyMatcher, log), nil

	default:
		return resolver.New(resolver.DirectOnly, nil, noProxyMatcher, log), nil
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func fetchPAC(ctx context.Context, source string) (string, error) {
	if isURL(source) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("pac fetch: unexpected status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		return string(body), err
	}

	body, err := os.ReadFile(source)
	return string(body), err
}

// runConnectivityTest implements --test=URL: the original implementation's
// self-check before installing as a service. It starts Px's own dispatch
// engine (handler + a single-threaded pool) on an ephemeral loopback port,
// waits for the pool's Ready signal instead of racing thread scheduling,
// then issues the request *through that running proxy* exactly as a real
// client would, so the self-test exercises resolution, upstream auth, and
// relay instead of bypassing them with a throwaway direct client.
func runConnectivityTest(rt *runtime.Runtime, driver *upstream.Driver, credProvider *credential.Provider, handlerCfg handler.Config, target string) {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		u, err = url.Parse("http://" + target)
	}
	if err != nil {
		fmt.Printf("FAILED: parse %s: %v\n", target, err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Printf("FAILED: start test listener: %v\n", err)
		os.Exit(1)
	}

	h := handler.New(rt.Resolver(), driver, credProvider, handlerCfg, rt.Sink.Logger)
	admission := server.NewAdmission(nil, true)
	pool := server.NewPool(1, admission, h.ServeConn, rt.Sink.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Serve(ctx, ln) }()

	select {
	case <-pool.Ready:
	case <-ctx.Done():
		fmt.Printf("FAILED: test server never became ready\n")
		os.Exit(1)
	}

	proxyURL := &url.URL{Scheme: "http", Host: ln.Addr().String()}
	client := &http.Client{Timeout: 20 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(u.String())

	cancel()
	ln.Close()
	<-done
	pool.Wait()

	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	fmt.Printf("OK: %s -> %s (through %s)\n", target, resp.Status, ln.Addr().String())
}

func printHelp() {
	fmt.Println("px: a local HTTP/HTTPS forward proxy with upstream authentication")
	fmt.Println("usage: px [--config FILE] [--port N] [--server host:port,...] [--pac URL]")
	fmt.Println("          [--listen IP,...] [--allow RULE] [--gateway] [--hostonly]")
	fmt.Println("          [--noproxy RULE] [--useragent UA] [--username NAME] [--auth SCHEME]")
	fmt.Println("          [--workers N] [--threads N] [--idle SEC] [--socktimeout SEC]")
	fmt.Println("          [--proxyreload SEC] [--foreground] [--log 0-4]")
	fmt.Println("          [--save] [--password] [--test URL] [--help]")
}
