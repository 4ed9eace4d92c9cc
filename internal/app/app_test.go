package app

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvidersFromConfig(t *testing.T) {
	cfg := config.Config{
		SMTP: config.SMTPConfig{Addr: "127.0.0.1:1025"},
		EmailProviders: []config.ProviderConfig{
			{Name: "mailer", Enabled: true, Kind: "http", BaseURL: "http://mail", SendPath: "/send"},
			{Name: "relay", Enabled: true, Kind: "SMTP"},
			{Name: "off", Enabled: false, Kind: "carrier-pigeon"},
		},
		SMSProviders: []config.ProviderConfig{
			{Name: "sms", Enabled: true, BaseURL: "http://sms"},
		},
	}

	emails, smses, err := Providers(cfg)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	require.Len(t, smses, 1)
	assert.Equal(t, "mailer", emails[0].Name())
	assert.Equal(t, "relay", emails[1].Name())
	assert.Equal(t, "sms", smses[0].Name())
}

func TestProvidersRejectsBadEntries(t *testing.T) {
	for name, cfg := range map[string]config.Config{
		"unknown kind": {EmailProviders: []config.ProviderConfig{{Name: "x", Enabled: true, Kind: "fax"}}},
		"no base url":  {SMSProviders: []config.ProviderConfig{{Name: "x", Enabled: true}}},
		"no smtp addr": {EmailProviders: []config.ProviderConfig{{Name: "x", Enabled: true, Kind: "smtp"}}},
		"smtp for sms": {SMSProviders: []config.ProviderConfig{{Name: "x", Enabled: true, Kind: "smtp", BaseURL: "http://x"}}},
	} {
		_, _, err := Providers(cfg)
		assert.Error(t, err, name)
	}
}

func TestCatalogOverridesConfiguredPlans(t *testing.T) {
	c := Catalog(config.QuotaConfig{Plans: map[string]config.PlanLimitsConfig{
		"starter": {Email: 1, SMS: 2, API: 3},
		"bogus":   {Email: 9},
	}})
	assert.Equal(t, model.PlanLimits{Email: 1, SMS: 2, API: 3}, c[model.PlanStarter])
	assert.Equal(t, model.DefaultPlanLimits[model.PlanFree], c[model.PlanFree])
	assert.Len(t, c, 3)
}

func TestBuild(t *testing.T) {
	raw, _, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	cfg := config.Config{Quota: config.QuotaConfig{DefaultPlan: "starter"}}
	a, err := Build(cfg, sqlx.NewDb(raw, "mysql"))
	require.NoError(t, err)
	assert.NotNil(t, a.Sends)
	assert.Equal(t, model.PlanStarter, a.Accounts.DefaultPlan)
	assert.Empty(t, a.Dispatcher.States())
}
