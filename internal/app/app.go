// Package app wires configuration, stores and services into the objects the
// commands run.
package app

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/dispatcher"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/account"
	"github.com/jmehdipour/campaign-gateway/internal/service/apikey"
	"github.com/jmehdipour/campaign-gateway/internal/service/contact"
	"github.com/jmehdipour/campaign-gateway/internal/service/quota"
	"github.com/jmehdipour/campaign-gateway/internal/service/send"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type App struct {
	Dispatcher *dispatcher.Dispatcher
	Quota      *quota.Service
	Keys       *apikey.Service
	Accounts   *account.Service
	Contacts   *contact.Service
	Sends      *send.Service
}

// Build constructs every service on top of the MySQL store.
func Build(cfg config.Config, db *sqlx.DB) (*App, error) {
	emails, smses, err := Providers(cfg)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 && len(smses) == 0 {
		logger.Log.Warn("no providers enabled: every dispatch will fail")
	}
	disp := dispatcher.NewDispatcher(emails, smses,
		cfg.Dispatcher.MaxRetryAttempts.Email, cfg.Dispatcher.MaxRetryAttempts.SMS)

	tx := repository.NewTransactor(db)
	contactsRepo := repository.NewContactsRepository(db)

	q := quota.New(tx, repository.NewQuotaRepository(db), Catalog(cfg.Quota), cfg.Quota.ResetWindow)
	keys := apikey.New(repository.NewAPIKeysRepository(db), q, 0)
	accounts := account.New(repository.NewUsersRepository(db), q, keys)
	if p, ok := model.ParsePlan(cfg.Quota.DefaultPlan); ok {
		accounts.DefaultPlan = p
	}

	sends := send.New(tx,
		repository.NewMessagesRepository(db),
		repository.NewOutboxRepository(db, cfg.Events.Topic),
		contactsRepo,
		q,
		disp,
		send.Options{
			EmailFrom:               cfg.Sender.EmailFrom,
			SMSFrom:                 cfg.Sender.SMSFrom,
			StatusCallbackURL:       cfg.Sender.StatusCallbackURL,
			TrackingBaseURL:         cfg.Sender.TrackingBaseURL,
			RefundOnProviderFailure: cfg.Quota.RefundOnProviderFailure,
			DispatchLease:           cfg.Scheduler.DispatchLease,
		},
	)

	return &App{
		Dispatcher: disp,
		Quota:      q,
		Keys:       keys,
		Accounts:   accounts,
		Contacts:   contact.New(contactsRepo),
		Sends:      sends,
	}, nil
}

// Catalog turns the configured plan table into limits; plans missing from
// the config keep their built-in limits.
func Catalog(c config.QuotaConfig) model.PlanCatalog {
	overrides := make(map[model.Plan]model.PlanLimits, len(c.Plans))
	for name, l := range c.Plans {
		p, ok := model.ParsePlan(name)
		if !ok {
			continue
		}
		overrides[p] = model.PlanLimits{Email: l.Email, SMS: l.SMS, API: l.API}
	}
	return model.NewPlanCatalog(overrides)
}

// Providers builds the enabled email and SMS providers in configured order.
func Providers(cfg config.Config) ([]dispatcher.EmailProvider, []dispatcher.SMSProvider, error) {
	var emails []dispatcher.EmailProvider
	for _, pc := range cfg.EmailProviders {
		if !pc.Enabled {
			continue
		}
		switch kind(pc) {
		case "http":
			if strings.TrimSpace(pc.BaseURL) == "" {
				return nil, nil, fmt.Errorf("email provider %q: base_url is empty", pc.Name)
			}
			emails = append(emails, dispatcher.NewHTTPEmailProvider(httpOptions(pc)))
		case "smtp":
			if strings.TrimSpace(cfg.SMTP.Addr) == "" {
				return nil, nil, fmt.Errorf("email provider %q: smtp.addr is empty", pc.Name)
			}
			emails = append(emails, dispatcher.NewSMTPEmailProvider(dispatcher.SMTPOptions{
				Name:          pc.Name,
				Addr:          cfg.SMTP.Addr,
				Username:      cfg.SMTP.Username,
				Password:      cfg.SMTP.Password,
				StartTLS:      cfg.SMTP.StartTLS,
				Domain:        cfg.SMTP.Domain,
				TimeoutMs:     pc.TimeoutMs,
				FailThreshold: pc.Breaker.FailThreshold,
				OpenForMs:     pc.Breaker.OpenForMs,
			}))
		default:
			return nil, nil, fmt.Errorf("email provider %q: unknown kind %q", pc.Name, pc.Kind)
		}
		logger.Log.Info("email provider enabled", zap.String("provider", pc.Name), zap.String("kind", kind(pc)))
	}

	var smses []dispatcher.SMSProvider
	for _, pc := range cfg.SMSProviders {
		if !pc.Enabled {
			continue
		}
		if kind(pc) != "http" {
			return nil, nil, fmt.Errorf("sms provider %q: unknown kind %q", pc.Name, pc.Kind)
		}
		if strings.TrimSpace(pc.BaseURL) == "" {
			return nil, nil, fmt.Errorf("sms provider %q: base_url is empty", pc.Name)
		}
		smses = append(smses, dispatcher.NewHTTPSMSProvider(httpOptions(pc)))
		logger.Log.Info("sms provider enabled", zap.String("provider", pc.Name))
	}
	return emails, smses, nil
}

func kind(pc config.ProviderConfig) string {
	k := strings.ToLower(strings.TrimSpace(pc.Kind))
	if k == "" {
		return "http"
	}
	return k
}

func httpOptions(pc config.ProviderConfig) dispatcher.HTTPOptions {
	return dispatcher.HTTPOptions{
		Name:          pc.Name,
		BaseURL:       pc.BaseURL,
		SendPath:      pc.SendPath,
		APIKey:        pc.APIKey,
		TimeoutMs:     pc.TimeoutMs,
		FailThreshold: pc.Breaker.FailThreshold,
		OpenForMs:     pc.Breaker.OpenForMs,
	}
}

// Bootstrap loads the config at path and initializes the process logger from it.
func Bootstrap(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
