package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"gp-session-sync/internal/client"
	"gp-session-sync/internal/config"
	"gp-session-sync/internal/hashing"
	"gp-session-sync/internal/util"
)

// loadOrDefault is for the offline sub-commands, which must work before the config is complete.
func loadOrDefault(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default()
	}
	return cfg
}

// runKeygen exchanges gateway administrator credentials for an API key and prints it.
func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	user := fs.String("user", "", "gateway administrator")
	password := fs.String("password", "", "gateway administrator password")
	endpoint := fs.String("endpoint", "", "gateway address (defaults to gateway.primary)")
	configPath := fs.String("config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *password == "" {
		return errors.New("usage: server keygen -user U -password P [-endpoint HOST]")
	}

	cfg := loadOrDefault(*configPath)
	target := *endpoint
	if target == "" {
		target = cfg.Gateway.Primary
	}
	if target == "" {
		return errors.New("no gateway endpoint: pass -endpoint or set gateway.primary")
	}

	retry := util.RetryPolicy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay, Multiplier: cfg.Retry.Multiplier}
	gw := client.NewGatewayClient(cfg.Gateway, retry, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key, err := gw.Keygen(ctx, target, *user, *password)
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	fmt.Fprintln(out, key)
	return nil
}

// runHashPassword prints an argon2id hash for api.password_hash. Without -password the first
// line of input is hashed.
func runHashPassword(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	password := fs.String("password", "", "password to hash (read from stdin when empty)")
	configPath := fs.String("config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := *password
	if secret == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return errors.New("empty password")
	}

	cfg := loadOrDefault(*configPath)
	encoded, err := hashing.NewHasher(cfg.Hashing).Hash(secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, encoded)
	return nil
}
