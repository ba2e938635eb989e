package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"peerhub/pkg/messages"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
	"peerhub/pkg/protocol/codec"
	"peerhub/pkg/server"
	"peerhub/pkg/transport"
)

func serverCmd() *cli.Command {
	var (
		listen      string
		metricsAddr string
		strict      bool
	)
	return &cli.Command{
		Name:  "server",
		Usage: "Run the hub until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "TCP and UDP listen address", Destination: &listen},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve prometheus metrics on this address", Destination: &metricsAddr},
			&cli.BoolFlag{Name: "strict-targets", Usage: "Report unknown routing targets as errors", Destination: &strict},
		},
		Action: func(ctx *cli.Context) error {
			cfg := configFrom(ctx)
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if metricsAddr != "" {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if ctx.IsSet("strict-targets") {
				cfg.Routing.StrictTargets = strict
			}

			c, err := codec.ByName(cfg.Registry.Codec)
			if err != nil {
				return err
			}
			reg := protocol.NewRegistry(
				protocol.WithCodec(c),
				protocol.WithWarningsDisabled(cfg.Registry.DisableWarnings),
			)
			if err := messages.Register(reg); err != nil {
				return err
			}

			out := ctx.App.Writer
			srv, err := server.New(cfg, reg,
				server.WithOnPeerJoin(func(s *peers.Session) { peerLine(out, "+", s) }),
				server.WithOnPeerLeave(func(s *peers.Session) { peerLine(out, "-", s) }),
			)
			if err != nil {
				return err
			}
			err = protocol.Handle(reg, messages.TypePing, func(p *messages.Ping) error {
				return srv.SendTo(p.Sender, &messages.Ping{Text: "pong", StartTime: p.StartTime}, transport.Reliable)
			})
			if err != nil {
				return err
			}

			if err := srv.Start(ctx.Context); err != nil {
				return err
			}
			banner(out, srv, cfg.Server.MetricsAddr)
			err = srv.Wait()
			zap.L().Info("shutdown complete")
			return err
		},
	}
}

func banner(w io.Writer, srv *server.Server, metricsAddr string) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", bold("peerhub server"), version)
	fmt.Fprintf(w, "  ID:  %s\n", srv.ID())
	fmt.Fprintf(w, "  TCP: %s\n", srv.Addr())
	fmt.Fprintf(w, "  UDP: %s\n", srv.UDPAddr())
	if metricsAddr != "" {
		fmt.Fprintf(w, "  Metrics: http://%s/metrics\n", metricsAddr)
	}
}

func peerLine(w io.Writer, sign string, s *peers.Session) {
	c := color.New(color.FgGreen)
	if sign == "-" {
		c = color.New(color.FgYellow)
	}
	c.Fprintf(w, "%s peer %s (%v)\n", sign, s.ID().Short(), s.RemoteAddr())
}
