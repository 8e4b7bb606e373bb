package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wilsonzlin/quickdrop/internal/config"
	"github.com/wilsonzlin/quickdrop/internal/endpoint"
	"github.com/wilsonzlin/quickdrop/internal/peer"
	"github.com/wilsonzlin/quickdrop/internal/transfer"
)

// cli holds the persistent flags and the configuration resolved from them.
type cli struct {
	configPath  string
	relayURL    string
	outputDir   string
	chunkSize   int
	window      int
	idleTimeout time.Duration
	logLevel    string
	plain       bool

	cfg    config.ClientConfig
	logger *slog.Logger
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "quickdrop",
		Short:         "Send a file straight to another machine using a six-digit code",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "client config file (default $XDG_CONFIG_HOME/quickdrop/config.yaml)")
	flags.StringVar(&c.relayURL, "relay", config.DefaultRelayURL, "relay WebSocket URL")
	flags.StringVarP(&c.outputDir, "output", "o", ".", "directory received files are written to")
	flags.IntVar(&c.chunkSize, "chunk-size", config.DefaultChunkSize, "bytes per data channel frame")
	flags.IntVar(&c.window, "window", config.DefaultWindow, "chunks in flight (1 = lockstep)")
	flags.DurationVar(&c.idleTimeout, "idle-timeout", config.DefaultIdleTimeout, "fail when the peer is silent this long mid-transfer (0 disables)")
	flags.StringVar(&c.logLevel, "log-level", config.DefaultClientLogLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&c.plain, "plain", false, "print log lines instead of the interactive view")

	root.AddCommand(c.sendCmd(), c.receiveCmd(), versionCmd())
	return root
}

// load reads the config file and lets explicitly set flags override it.
func (c *cli) load(cmd *cobra.Command) error {
	path, required := c.configPath, c.configPath != ""
	if path == "" {
		// No usable config dir just means no file.
		path, _ = config.DefaultClientConfigPath()
	}
	cfg, err := config.LoadClient(path, required)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("relay") {
		cfg.RelayURL = c.relayURL
	}
	if flags.Changed("output") {
		cfg.OutputDir = c.outputDir
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = c.chunkSize
	}
	if flags.Changed("window") {
		cfg.Window = c.window
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeout = c.idleTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	var w io.Writer = cmd.ErrOrStderr()
	if c.interactive() {
		// The view owns the terminal; failures surface in it.
		w = io.Discard
	}
	c.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	return nil
}

func (c *cli) interactive() bool {
	return !c.plain && term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}

// endpointOptions maps the resolved config onto an attempt's options.
func (c *cli) endpointOptions() (endpoint.Options, error) {
	servers, err := c.cfg.PeerICEServers()
	if err != nil {
		return endpoint.Options{}, err
	}
	api, err := peer.NewAPI(peer.APIOptions{
		UDPPortMin: c.cfg.UDPPortMin,
		UDPPortMax: c.cfg.UDPPortMax,
		Logger:     c.logger,
	})
	if err != nil {
		return endpoint.Options{}, err
	}

	tc := transfer.DefaultConfig()
	tc.ChunkSize = c.cfg.ChunkSize
	tc.Window = c.cfg.Window
	tc.IdleTimeout = c.cfg.IdleTimeout

	return endpoint.Options{
		RelayURL:   c.cfg.RelayURL,
		ICEServers: servers,
		API:        api,
		Transfer:   tc,
		Logger:     c.logger,
	}, nil
}
