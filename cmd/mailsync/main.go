// Command mailsync keeps a local copy of an IMAP account in sync and
// delivers queued outgoing mail.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/emersion/go-message/mail"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/logger"
	"github.com/nhle/mailsync/internal/model"
	mailsync "github.com/nhle/mailsync/internal/sync"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file loaded")
	}

	logCfg, err := logger.LoadConfig()
	if err == nil {
		err = logger.Init(logCfg, os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		logrus.WithError(err).Error("mailsync failed")
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mailsync",
		Usage: "offline-first IMAP sync with an outbox queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   model.DefaultConfigPath(),
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"MAILSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			syncCommand(),
			sendCommand(),
			foldersCommand(),
			logoutCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*model.AppConfig, error) {
	return model.LoadConfig(c.String("config"))
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "store account settings and password, then verify the connection",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "name"},
			&cli.StringFlag{Name: "imap-host", Required: true},
			&cli.IntFlag{Name: "imap-port", Value: 993},
			&cli.StringFlag{Name: "smtp-host", Required: true},
			&cli.IntFlag{Name: "smtp-port", Value: 465},
			&cli.StringFlag{Name: "password", EnvVars: []string{"MAILSYNC_PASSWORD"}, Required: true},
			&cli.BoolFlag{Name: "trust-new-certificates"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			cfg.Account = model.AccountConfig{EmailAddress: c.String("email"), RealName: c.String("name")}
			cfg.IMAP.Host, cfg.IMAP.Port, cfg.IMAP.Username = c.String("imap-host"), c.Int("imap-port"), cfg.Account.EmailAddress
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username = c.String("smtp-host"), c.Int("smtp-port"), cfg.Account.EmailAddress
			cfg.Security.TrustNewCertificates = c.Bool("trust-new-certificates")

			if err := model.SaveConfig(c.String("config"), cfg); err != nil {
				return err
			}

			rt, err := newRuntime(c.Context, cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if err := rt.provider.SavePassword(c.String("password")); err != nil {
				return fmt.Errorf("saving password: %w", err)
			}

			if err := rt.connect(c.Context); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "Logged in as %s\n", cfg.Account.EmailAddress)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "stay connected, follow mailbox changes and deliver the outbox",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			rt, err := newRuntime(c.Context, cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			rt.orch.SubscribeStatus(func(s model.Status) {
				logrus.WithField("status", s).Info("Connection status changed")
			})
			rt.orch.SubscribeIncoming(func(ev mailsync.IncomingEvent) {
				for _, m := range ev.Messages {
					fmt.Fprintf(c.App.Writer, "New mail from %s: %s\n", formatAddresses(m.From), m.Subject)
				}
			})

			if err := rt.connect(c.Context); err != nil {
				logrus.WithError(err).Warn("Initial connect failed, waiting for the network")
			}

			rt.outbox.StartChecking(func(err error) {
				if err != nil {
					logrus.WithError(err).Error("Delivering outbox failed")
				}
			})

			<-c.Context.Done()
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "queue a plain text mail and try to deliver it",
		ArgsUsage: "[body]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "to"},
			&cli.StringSliceFlag{Name: "cc"},
			&cli.StringSliceFlag{Name: "bcc"},
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			out := &model.Mail{
				From:    model.Address{Name: cfg.Account.RealName, Address: cfg.Account.EmailAddress},
				Subject: c.String("subject"),
				Body:    strings.Join(c.Args().Slice(), " "),
			}
			for _, field := range []struct {
				name string
				dst  *[]model.Address
			}{{"to", &out.To}, {"cc", &out.Cc}, {"bcc", &out.Bcc}} {
				if *field.dst, err = parseAddresses(c.StringSlice(field.name)); err != nil {
					return fmt.Errorf("parsing --%s: %w", field.name, err)
				}
			}

			rt, err := newRuntime(c.Context, cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if err := rt.connect(c.Context); err != nil {
				logrus.WithError(err).Warn("Offline, mail stays queued")
			}

			if err := rt.outbox.Put(c.Context, out); err != nil {
				return err
			}

			// Waits for the pass Put started.
			rt.outbox.StopChecking()

			pending, err := rt.outbox.Pending(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Queued %s, %d mail(s) pending\n", out.ID, len(pending))
			return nil
		},
	}
}

func foldersCommand() *cli.Command {
	return &cli.Command{
		Name:  "folders",
		Usage: "list folders with their message counts",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "offline", Usage: "print the cached folder list without connecting"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			rt, err := newRuntime(c.Context, cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if !c.Bool("offline") {
				if err := rt.connect(c.Context); err != nil {
					logrus.WithError(err).Warn("Showing cached folders")
				}
			}
			if err := rt.orch.RefreshOutbox(c.Context); err != nil {
				return err
			}

			rt.orch.View(func(acc *model.Account) {
				for _, f := range acc.Folders {
					fmt.Fprintf(c.App.Writer, "%-10s %-30s %5d %5d\n", f.Type, f.Path, f.Count, len(f.UIDs))
				}
			})
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "forget the password and delete the local mail cache",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			rt, err := newRuntime(c.Context, cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			return rt.orch.Logout(c.Context)
		},
	}
}

func parseAddresses(values []string) ([]model.Address, error) {
	var out []model.Address
	for _, v := range values {
		list, err := mail.ParseAddressList(v)
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			out = append(out, model.Address{Name: a.Name, Address: a.Address})
		}
	}
	return out, nil
}

func formatAddresses(addrs []model.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = (&mail.Address{Name: a.Name, Address: a.Address}).String()
	}
	return strings.Join(parts, ", ")
}
