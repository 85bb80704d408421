package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-gateway-go/pkg/auth"
	"github.com/vikashloomba/mcp-gateway-go/pkg/config"
	"github.com/vikashloomba/mcp-gateway-go/pkg/credstore"
	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the configured upstreams and serve them on one endpoint",
		Long: `Start the gateway. Every upstream in the configuration file is connected
concurrently; upstreams that fail are logged and skipped. The process stops
gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v, cmd)
		},
	}
	flags := cmd.Flags()
	flags.IntP("port", "p", 8700, "Port to listen on")
	flags.String("host", "127.0.0.1", "Interface to listen on")
	flags.String("path", "/mcp", "HTTP path of the MCP endpoint")
	flags.String("callback-addr", auth.DefaultCallbackAddr, "Loopback address receiving OAuth redirects")
	flags.Duration("call-timeout", 60*time.Second, "Timeout for each forwarded request")
	flags.Duration("connect-timeout", 30*time.Second, "Default timeout for connecting one upstream")
	flags.Int("connect-concurrency", 4, "Number of upstreams connected in parallel")
	flags.Bool("log-jsonrpc", false, "Log upstream JSON-RPC traffic at debug level")
	flags.String("downstream-token", "", "Require this bearer token from downstream clients")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("bind serve flags: %v", err))
	}
	return cmd
}

// parsePort validates a TCP port given as text.
func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q: must be an integer between 1 and 65535", raw)
	}
	return port, nil
}

func runServe(ctx context.Context, v *viper.Viper, cmd *cobra.Command) error {
	port, err := parsePort(v.GetString("port"))
	if err != nil {
		return err
	}
	logger, err := newLogger(v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	descriptors, err := loadDescriptors(v, logger)
	if err != nil {
		return err
	}

	creds, err := credstore.NewFileStore(v.GetString("credentials"))
	if err != nil {
		return err
	}
	authManager, err := auth.NewManager(&auth.Options{
		Store:        creds,
		CallbackAddr: v.GetString("callback-addr"),
		UserAgent:    "mcp-gateway/" + Version,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	servers := make(map[string]mcpmgr.ServerConfig, len(descriptors))
	for i := range descriptors {
		d := &descriptors[i]
		cfg, err := d.ServerConfig(nil)
		if err != nil {
			logger.Warn("skipping upstream", "server", d.ID, "error", err)
			continue
		}
		servers[d.ID] = cfg
	}
	manager := mcpmgr.NewManager(servers, &mcpmgr.ManagerOptions{
		DefaultClientVersion: Version,
		DefaultTimeout:       v.GetDuration("connect-timeout"),
		DefaultLogJSONRPC:    v.GetBool("log-jsonrpc"),
		Authenticator:        authManager,
		Logger:               logger,
	})

	opts := &mcpgateway.Options{
		Implementation:     &mcp.Implementation{Name: "mcp-gateway", Title: "MCP Gateway", Version: Version},
		Addr:               net.JoinHostPort(v.GetString("host"), strconv.Itoa(port)),
		Path:               v.GetString("path"),
		CallTimeout:        v.GetDuration("call-timeout"),
		ConnectConcurrency: v.GetInt("connect-concurrency"),
		Logger:             logger,
	}
	if token := v.GetString("downstream-token"); token != "" {
		opts.TokenVerifier = staticTokenVerifier(token)
	}
	gateway, err := mcpgateway.NewGateway(manager, opts)
	if err != nil {
		return err
	}

	report, err := gateway.Start(ctx)
	if err != nil {
		_ = gateway.Shutdown(context.Background())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	logger.Info("upstreams started", "connected", report.Connected, "failed", len(report.Failed))

	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// loadDescriptors reads the configuration file. A missing file at the
// default location yields no upstreams; an explicit path must exist.
func loadDescriptors(v *viper.Viper, logger *slog.Logger) ([]config.UpstreamDescriptor, error) {
	explicit := v.GetString("config")
	store, err := config.NewStore(explicit)
	if err != nil {
		return nil, err
	}
	descriptors, configErrs, err := store.LoadAll()
	if err != nil {
		if explicit == "" && config.IsNotExist(err) {
			logger.Warn("no configuration file found", "path", store.Path())
			return nil, nil
		}
		return nil, err
	}
	for _, ce := range configErrs {
		logger.Warn("ignoring invalid upstream", "server", ce.ServerID, "index", ce.Index, "reason", ce.Reason)
	}
	return descriptors, nil
}

func staticTokenVerifier(expected string) mcpauth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*mcpauth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return nil, mcpauth.ErrInvalidToken
		}
		return &mcpauth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
