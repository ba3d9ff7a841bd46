package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
)

// ErrCertificateRejected is returned when a changed server certificate is
// not trusted automatically.
var ErrCertificateRejected = errors.New("server certificate rejected")

// PasswordKey is the keyring key of the account password.
func PasswordKey(email string) string {
	return "password-" + email
}

// CertificateKey is the keyring key of a pinned server certificate.
func CertificateKey(component, host string) string {
	return "cert-" + component + "-" + host
}

// Provider assembles server credentials from configuration and the vault
// and decides on certificate changes.
type Provider struct {
	cfg   *model.AppConfig
	vault *Vault
}

// NewProvider returns a Provider for the account in cfg.
func NewProvider(cfg *model.AppConfig, vault *Vault) *Provider {
	return &Provider{cfg: cfg, vault: vault}
}

// SavePassword stores the account password.
func (p *Provider) SavePassword(password string) error {
	return p.vault.Set(PasswordKey(p.cfg.Account.EmailAddress), password)
}

// Credentials returns the IMAP and SMTP settings including password and
// pinned certificates.
func (p *Provider) Credentials(context.Context) (model.Credentials, error) {
	password, err := p.vault.Get(PasswordKey(p.cfg.Account.EmailAddress))
	if err != nil {
		return model.Credentials{}, fmt.Errorf("loading password for %s: %w", p.cfg.Account.EmailAddress, err)
	}

	server := func(component string, sc model.ServerConfig) model.ServerCredentials {
		creds := model.ServerCredentials{
			Host:     sc.Host,
			Port:     sc.Port,
			Username: sc.Username,
			Password: password,
			Security: sc.Security,
		}

		if pem, err := p.vault.Get(CertificateKey(component, sc.Host)); err == nil {
			creds.PinnedCertificate = pem
		}

		return creds
	}

	return model.Credentials{
		IMAP: server("imap", p.cfg.IMAP),
		SMTP: server("smtp", p.cfg.SMTP),
	}, nil
}

// HandleCertificateUpdate pins pem for component if new certificates are
// trusted, then runs retry. retry may be nil.
func (p *Provider) HandleCertificateUpdate(
	ctx context.Context,
	component string,
	pem string,
	retry func(context.Context) error,
) error {
	host := p.cfg.IMAP.Host
	if component == "smtp" {
		host = p.cfg.SMTP.Host
	}

	log := logrus.WithFields(logrus.Fields{"component": component, "host": host})

	if !p.cfg.Security.TrustNewCertificates {
		log.Warn("Server certificate changed, rejecting")
		return ErrCertificateRejected
	}

	if err := p.vault.Set(CertificateKey(component, host), pem); err != nil {
		return err
	}

	log.Info("Pinned new server certificate")

	if retry == nil {
		return nil
	}

	return retry(ctx)
}

// SMTPCertHandler adapts HandleCertificateUpdate for the mailer, which
// retries on its own.
func (p *Provider) SMTPCertHandler() func(context.Context, string) error {
	return func(ctx context.Context, pem string) error {
		return p.HandleCertificateUpdate(ctx, "smtp", pem, nil)
	}
}

// Logout forgets the account password.
func (p *Provider) Logout(context.Context) error {
	return p.vault.Delete(PasswordKey(p.cfg.Account.EmailAddress))
}
