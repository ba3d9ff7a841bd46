package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mime"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/network"
	"github.com/nhle/mailsync/internal/outbox"
	"github.com/nhle/mailsync/internal/remote/imap"
	"github.com/nhle/mailsync/internal/smtp"
	"github.com/nhle/mailsync/internal/store"
	mailsync "github.com/nhle/mailsync/internal/sync"
)

// runtime holds the wired collaborators of one CLI invocation.
type runtime struct {
	cfg      *model.AppConfig
	provider *credential.Provider
	store    store.Store
	monitor  *network.Monitor
	orch     *mailsync.Orchestrator
	outbox   *outbox.Outbox
}

func newRuntime(ctx context.Context, cfg *model.AppConfig) (*runtime, error) {
	if cfg.Account.EmailAddress == "" {
		return nil, fmt.Errorf("no account configured, run login first")
	}

	vault, err := credential.OpenVault()
	if err != nil {
		return nil, err
	}
	provider := credential.NewProvider(cfg, vault)

	st, err := store.Open(cfg.Store.Backend, cfg.Store.Dir)
	if err != nil {
		return nil, err
	}

	netCfg := cfg.Network
	if netCfg.ProbeAddress == "" && cfg.IMAP.Host != "" {
		netCfg.ProbeAddress = net.JoinHostPort(cfg.IMAP.Host, strconv.Itoa(cfg.IMAP.Port))
	}
	monitor := network.NewMonitor(netCfg, nil)

	orch, err := mailsync.New(cfg.Sync, mailsync.Deps{
		Store: st,
		Dial:  imap.Dialer(cfg.IMAP.UpdateBatchSize),
		NewMailer: func(creds model.ServerCredentials) mailsync.Mailer {
			return smtp.NewMailer(creds, provider.SMTPCertHandler())
		},
		Parser:  mime.NewParser(),
		Auth:    provider,
		Network: monitor,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if err := orch.Init(ctx, cfg.Account); err != nil {
		_ = st.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		provider: provider,
		store:    st,
		monitor:  monitor,
		orch:     orch,
		outbox:   outbox.New(st, orch, cfg.Outbox),
	}

	rt.outbox.SubscribeSent(func(m *model.Mail) {
		if err := orch.RefreshOutbox(context.Background()); err != nil {
			logrus.WithError(err).Warn("Refreshing outbox folder failed")
		}
	})

	return rt, nil
}

// connect probes the network and logs in. The orchestrator reconnects on
// its own once the monitor reports the host online again.
func (rt *runtime) connect(ctx context.Context) error {
	rt.monitor.Start(ctx)
	return rt.orch.ConnectIMAP(ctx)
}

func (rt *runtime) close(ctx context.Context) {
	rt.outbox.StopChecking()
	rt.monitor.Stop()

	if err := rt.orch.Close(ctx); err != nil {
		logrus.WithError(err).Warn("Closing orchestrator failed")
	}
	if err := rt.store.Close(); err != nil {
		logrus.WithError(err).Warn("Closing local store failed")
	}
}
