//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/fzft/go-vmchannels/alarm"
	"github.com/fzft/go-vmchannels/channels"
	"github.com/fzft/go-vmchannels/guest"
	"github.com/fzft/go-vmchannels/log"
)

// Settings is the daemon configuration, loaded from GUESTMOND_* variables.
type Settings struct {
	// Sockets lists the initial channels as vm=path pairs,
	// e.g. "vm1=/run/vm1.sock,vm2=/run/vm2.sock".
	Sockets     []string      `envconfig:"SOCKETS" default:""`
	ReadTimeout time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`

	// Telemetry API used to enrich alarm mails; empty disables the lookup.
	APIURL   string `envconfig:"API_URL" default:""`
	APIToken string `envconfig:"API_TOKEN" default:""`

	// AlarmAction is the mail target, e.g. "smtp://ops@example.com".
	// Empty disables alarm notification entirely.
	AlarmAction string `envconfig:"ALARM_ACTION" default:""`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := log.InitLogger(); err != nil {
		return err
	}
	log.Logger.Info("guestmond starting",
		zap.String("git", gitSHA1), zap.String("build_date", buildDate))

	var cfg Settings
	if err := envconfig.Process("GUESTMOND", &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	listener, err := channels.NewListener()
	if err != nil {
		return err
	}
	defer listener.Close()
	listener.SetTimeout(cfg.ReadTimeout)

	notify, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	onMessage := func(vm string, line []byte) {
		log.Logger.Info("guest message", zap.String("vm", vm), zap.ByteString("line", line))
	}

	registered := make(map[int]*guest.Channel)
	for _, entry := range cfg.Sockets {
		if entry == "" {
			continue
		}
		vm, path, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("malformed socket entry %q, want vm=path", entry)
		}
		ch := guest.NewChannel(vm, path, onMessage, notify)
		fd, err := ch.Register(listener)
		if err != nil {
			return fmt.Errorf("register %s: %w", vm, err)
		}
		registered[fd] = ch
	}

	listener.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	if isatty.IsTerminal(os.Stdin.Fd()) {
		go runConsole(listener, registered, onMessage, notify)
	}

	select {
	case <-signals:
		log.Logger.Info("signal received")
		listener.Stop()
		<-listener.Done()
	case <-listener.Done():
	}
	log.Logger.Info("shutting down guestmond")
	return nil
}

// buildNotifier wires the timeout path to the SMTP alarm notifier, or to a
// plain log line when no alarm action is configured.
func buildNotifier(cfg Settings) (guest.TimeoutFunc, error) {
	if cfg.AlarmAction == "" {
		return func(vm string) {
			log.Logger.Warn("guest agent silent, no alarm action configured", zap.String("vm", vm))
		}, nil
	}

	action, err := url.Parse(cfg.AlarmAction)
	if err != nil {
		return nil, fmt.Errorf("parse alarm action: %w", err)
	}
	smtpCfg, err := alarm.LoadConfig()
	if err != nil {
		return nil, err
	}
	var client *alarm.Client
	if cfg.APIURL != "" {
		client = alarm.NewClient(cfg.APIURL, cfg.APIToken)
	}
	notifier := alarm.NewSMTPNotifier(smtpCfg, client)

	return func(vm string) {
		notifier.Notify(context.Background(), action,
			"guest-agent-"+vm, "ok", "alarm",
			fmt.Sprintf("no data from guest agent on %s", vm),
			map[string]any{"vm": vm})
	}, nil
}
