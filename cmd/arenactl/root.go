package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/transport/grpcbus"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	commandColor = color.New(color.FgCyan, color.Bold)
	peerColor    = color.New(color.FgYellow)
	okColor      = color.New(color.FgGreen)
)

// options are the flags shared by every bus subcommand.
type options struct {
	configPath string
	addr       string
	namespace  string
	data       bool
	channels   string
	timeout    time.Duration
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "arenactl",
		Short: "Inspect and drive a running arena game server",
		Long: `arenactl connects to a game server as an ordinary peer. Commands are
routed through the same channels the game client uses, so the server applies
its usual namespace rules to everything sent from here.

Arguments are parsed as YAML scalars or flow collections: 3 is a number,
true is a bool, '{slot: Melee}' is a struct, anything else is a string.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "configs/dev.yaml", "path to configuration file")
	flags.StringVar(&opts.addr, "addr", "", "game server address; overrides grpc.host and grpc.port")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "channel namespace, e.g. playerdata or Attack")
	flags.BoolVar(&opts.data, "data", false, "use the data channel pair")
	flags.StringVar(&opts.channels, "channels", "", "custom channel bases as EVENT[,REQUEST], e.g. InputEvents,InputAttributes")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for channels and replies")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log bus activity to stderr")

	root.AddCommand(
		newSendCmd(opts),
		newRequestCmd(opts),
		newListenCmd(opts),
		newBindingsCmd(opts),
	)
	return root
}

// conn is a live peer connection with one session open.
type conn struct {
	host    *grpcbus.Client
	ep      *bus.Endpoint
	session *bus.Session
	logger  *zap.Logger
}

func (c *conn) Close() {
	c.session.Destroy()
	c.ep.Close()
	_ = c.host.Close()
	_ = c.logger.Sync()
}

// sessionOptions maps the channel flags onto bus session options.
func (o *options) sessionOptions() ([]bus.SessionOption, error) {
	if o.data && o.channels != "" {
		return nil, fmt.Errorf("--data and --channels are mutually exclusive")
	}
	opts := []bus.SessionOption{
		bus.WithNamespace(o.namespace),
		bus.WithWaitTimeout(o.timeout),
		bus.WithRequestTimeout(o.timeout),
	}
	switch {
	case o.data:
		opts = append(opts, bus.WithDataChannels())
	case o.channels != "":
		event, request, _ := strings.Cut(o.channels, ",")
		if event == "" {
			return nil, fmt.Errorf("--channels needs an event base")
		}
		opts = append(opts, bus.WithChannels(event, request))
	}
	return opts, nil
}

// connect dials the configured server and opens a peer session on the
// selected channels.
func (o *options) connect(ctx context.Context) (*conn, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Server.Role = "peer"
	cfg.Server.Name = "arenactl"
	if !o.verbose {
		cfg.Logging.Level = "error"
	}
	cfg.Logging.Format = "console"

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	sessionOpts, err := o.sessionOptions()
	if err != nil {
		return nil, err
	}

	addr := o.addr
	if addr == "" {
		addr = cfg.GRPC.Addr()
	}
	dialCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	host, err := grpcbus.Dial(dialCtx, addr, logger)
	if err != nil {
		return nil, err
	}

	ep := bus.Bootstrap(host, logger, cfg.Network.EndpointOptions()...)
	session, err := bus.NewPeerSession(ctx, ep, sessionOpts...)
	if err != nil {
		ep.Close()
		_ = host.Close()
		return nil, err
	}
	return &conn{host: host, ep: ep, session: session, logger: logger}, nil
}
