package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"peerhub/pkg/client"
	"peerhub/pkg/messages"
	"peerhub/pkg/protocol"
	"peerhub/pkg/protocol/codec"
	"peerhub/pkg/transport"
)

func clientCmd() *cli.Command {
	var (
		addr     string
		count    int
		interval time.Duration
	)
	return &cli.Command{
		Name:  "client",
		Usage: "Connect to a hub and send a demo sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Hub address", Destination: &addr},
			&cli.IntFlag{Name: "count", Usage: "Rounds of demo messages", Value: 3, Destination: &count},
			&cli.DurationFlag{Name: "interval", Usage: "Pause between rounds", Value: time.Second, Destination: &interval},
		},
		Action: func(ctx *cli.Context) error {
			cfg := configFrom(ctx)
			if addr != "" {
				cfg.Client.Server = addr
			}
			cd, err := codec.ByName(cfg.Registry.Codec)
			if err != nil {
				return err
			}
			reg := protocol.NewRegistry(
				protocol.WithCodec(cd),
				protocol.WithWarningsDisabled(cfg.Registry.DisableWarnings),
			)
			if err := messages.Register(reg); err != nil {
				return err
			}
			out := ctx.App.Writer
			printReceived(out, reg)

			c, err := client.New(cfg, reg)
			if err != nil {
				return err
			}
			if err := c.Connect(ctx.Context); err != nil {
				return err
			}
			defer c.Stop()
			fmt.Fprintf(out, "connected as %s\n", color.CyanString(c.ID().String()))

			for i := 0; i < count; i++ {
				if err := demoRound(c, i); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-c.Done():
					return fmt.Errorf("server closed the connection")
				case <-time.After(interval):
				}
			}
			return nil
		},
	}
}

// demoRound sends one of every sample message.
func demoRound(c *client.Client, i int) error {
	sends := []struct {
		msg protocol.Message
		ch  transport.Channel
	}{
		{messages.NewPing(fmt.Sprintf("ping %d", i)), transport.Reliable},
		{&messages.Move{Header: protocol.To(protocol.AllButHost), X: i, Y: -i}, transport.Unreliable},
		{&messages.Chat{Header: protocol.To(protocol.All), Text: fmt.Sprintf("hello #%d", i)}, transport.Reliable},
		{messages.NewRawData("blob", []byte{byte(i), 0xff, 0x00}), transport.Reliable},
	}
	// raw data goes to the host only
	sends[3].msg.Head().AddTargets(protocol.Host)
	for _, s := range sends {
		if err := c.Send(s.msg, s.ch); err != nil {
			return err
		}
	}
	return nil
}

func printReceived(w io.Writer, reg *protocol.Registry) {
	from := func(h *protocol.Header) string { return color.CyanString(h.Sender.Short()) }
	_ = protocol.Handle(reg, messages.TypePing, func(p *messages.Ping) error {
		fmt.Fprintf(w, "%s %s rtt=%s\n", from(&p.Header), color.GreenString(p.Text), p.RTT())
		return nil
	})
	_ = protocol.Handle(reg, messages.TypeMove, func(m *messages.Move) error {
		fmt.Fprintf(w, "%s move (%d,%d)\n", from(&m.Header), m.X, m.Y)
		return nil
	})
	_ = protocol.Handle(reg, messages.TypeChat, func(m *messages.Chat) error {
		fmt.Fprintf(w, "%s says %s\n", from(&m.Header), color.YellowString(m.Text))
		return nil
	})
	_ = protocol.Handle(reg, messages.TypeRawData, func(m *messages.RawData) error {
		fmt.Fprintf(w, "%s raw %q %d bytes\n", from(&m.Header), m.ExtraText, len(m.Data()))
		return nil
	})
}
