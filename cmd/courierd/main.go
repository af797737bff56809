package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/matheus3301/courier/internal/account"
	"github.com/matheus3301/courier/internal/daemon"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/wa"
	"github.com/skip2/go-qrcode"
	"go.uber.org/fx"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	levelFlag := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	pairFlag := flag.Bool("pair", false, "pair a WhatsApp device by QR code and exit")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	level := logging.ParseLevel(*levelFlag)

	if *pairFlag {
		if err := pair(name); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		daemon.Module(daemon.Params{Account: name, LogLevel: level}),
	)

	app.Run()
}

func pair(name string) error {
	if err := account.EnsureDir(name); err != nil {
		return err
	}
	l, err := lock.Acquire(account.LockPath(name), name)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()

	logger, err := logging.New(account.LogPath(name), name, logging.ParseLevel("warn"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := wa.Open(ctx, account.DeviceStorePath(name), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	events, err := c.Pair(ctx)
	if err != nil {
		return err
	}
	for evt := range events {
		switch evt.Type {
		case wa.PairCode:
			qr, err := qrcode.New(evt.Code, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render QR code: %w", err)
			}
			fmt.Println("Scan with WhatsApp > Linked devices:")
			fmt.Println(qr.ToSmallString(false))
		case wa.PairSuccess:
			fmt.Printf("Paired as %s\n", c.Owner())
			return nil
		default:
			return fmt.Errorf("pairing %s: %s", evt.Type, evt.Message)
		}
	}
	return ctx.Err()
}
