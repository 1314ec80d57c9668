package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "pl-dev",
		"API_STORAGE_RECEIPTS_BUCKET": "printloft-receipts-dev",
		"API_NOTIFICATIONS_TOPIC_ID":  "order-events",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "pl-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Notifications.ProjectID != "pl-dev" {
		t.Errorf("expected notification project to default to firebase project, got %s", cfg.Notifications.ProjectID)
	}
	if cfg.Gateway.VerifyTimeout != defaultGatewayVerifyWait {
		t.Errorf("unexpected default verify timeout: %s", cfg.Gateway.VerifyTimeout)
	}
	if cfg.Gateway.ConflictRetries != defaultConflictRetries {
		t.Errorf("unexpected default conflict retries: %d", cfg.Gateway.ConflictRetries)
	}
	if cfg.Storage.ReceiptURLTTL != defaultReceiptURLTTL {
		t.Errorf("unexpected default receipt url ttl: %s", cfg.Storage.ReceiptURLTTL)
	}
	if cfg.Billing.InvoiceDueDays != defaultInvoiceDueDays {
		t.Errorf("unexpected default invoice due days: %d", cfg.Billing.InvoiceDueDays)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_READ_TIMEOUT":            "20s",
		"API_SERVER_WRITE_TIMEOUT":           "25s",
		"API_SERVER_IDLE_TIMEOUT":            "2m",
		"API_FIREBASE_PROJECT_ID":            "pl-prod",
		"API_FIRESTORE_PROJECT_ID":           "pl-fire",
		"API_STORAGE_RECEIPTS_BUCKET":        "receipts-prod",
		"API_STORAGE_RECEIPT_URL_TTL":        "30m",
		"API_GATEWAY_STRIPE_API_KEY":         "secret://stripe/api",
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET":  "secret://stripe/webhook",
		"API_GATEWAY_VERIFY_TIMEOUT":         "5s",
		"API_GATEWAY_CONFLICT_RETRIES":       "5",
		"API_NOTIFICATIONS_PROJECT_ID":       "pl-events",
		"API_NOTIFICATIONS_TOPIC_ID":         "order-events-prod",
		"API_BILLING_INVOICE_DUE_DAYS":       "30",
		"API_BILLING_DEPOSIT_PERCENT":        "40",
		"API_SECURITY_ENVIRONMENT":           "prod",
		"API_SECURITY_OIDC_AUDIENCE":         "https://service.example.com",
		"API_SECURITY_OIDC_ISSUERS":          "https://accounts.google.com, https://cloud.google.com/iap",
		"API_SECURITY_OIDC_JWKS_URL":         "https://example.com/jwks.json",
		"API_SECURITY_HMAC_SECRETS":          "payments/stripe=secret://hmac/stripe,transfers=transfer-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE": "X-Custom-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"API_SECURITY_HMAC_NONCE_TTL":        "10m",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://hmac/stripe":    "stripe-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "pl-fire" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Gateway.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.Gateway.StripeAPIKey)
	}
	if cfg.Gateway.StripeWebhookSecret != "stripe-webhook" {
		t.Errorf("expected resolved stripe webhook secret, got %s", cfg.Gateway.StripeWebhookSecret)
	}
	if cfg.Gateway.VerifyTimeout != 5*time.Second {
		t.Errorf("unexpected verify timeout %s", cfg.Gateway.VerifyTimeout)
	}
	if cfg.Gateway.ConflictRetries != 5 {
		t.Errorf("unexpected conflict retries %d", cfg.Gateway.ConflictRetries)
	}
	if cfg.Storage.ReceiptURLTTL != 30*time.Minute {
		t.Errorf("unexpected receipt url ttl %s", cfg.Storage.ReceiptURLTTL)
	}
	if cfg.Notifications.ProjectID != "pl-events" {
		t.Errorf("unexpected notifications project %s", cfg.Notifications.ProjectID)
	}
	if cfg.Billing.InvoiceDueDays != 30 {
		t.Errorf("unexpected invoice due days %d", cfg.Billing.InvoiceDueDays)
	}
	if cfg.Billing.DepositPercent != 40 {
		t.Errorf("unexpected deposit percent %d", cfg.Billing.DepositPercent)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected security environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://service.example.com" {
		t.Errorf("unexpected oidc audience %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.OIDC.JWKSURL != "https://example.com/jwks.json" {
		t.Errorf("unexpected jwks url %s", cfg.Security.OIDC.JWKSURL)
	}
	if cfg.Security.HMAC.Secrets["payments/stripe"] != "stripe-hmac" {
		t.Errorf("expected resolved stripe hmac secret, got %s", cfg.Security.HMAC.Secrets["payments/stripe"])
	}
	if cfg.Security.HMAC.Secrets["transfers"] != "transfer-secret" {
		t.Errorf("expected transfer secret fallback, got %s", cfg.Security.HMAC.Secrets["transfers"])
	}
	if cfg.Security.HMAC.SignatureHeader != "X-Custom-Signature" {
		t.Errorf("unexpected signature header %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Security.HMAC.NonceTTL != 10*time.Minute {
		t.Errorf("unexpected nonce ttl %s", cfg.Security.HMAC.NonceTTL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=pl-dot\nAPI_STORAGE_RECEIPTS_BUCKET=receipts-dot\nAPI_NOTIFICATIONS_TOPIC_ID=events-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "pl-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadMissingTopicWhenEnabled(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "pl-dev",
		"API_STORAGE_RECEIPTS_BUCKET": "receipts",
		"API_NOTIFICATIONS_ENABLED":   "true",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error for missing topic, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "pl-dev",
		"API_STORAGE_RECEIPTS_BUCKET": "receipts",
		"API_NOTIFICATIONS_TOPIC_ID":  "order-events",
		"API_GATEWAY_STRIPE_API_KEY":  "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "pl-dev",
		"API_STORAGE_RECEIPTS_BUCKET": "receipts",
		"API_NOTIFICATIONS_TOPIC_ID":  "order-events",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Gateway.StripeAPIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Gateway.StripeAPIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "pl-dev",
		"API_STORAGE_RECEIPTS_BUCKET": "receipts",
		"API_NOTIFICATIONS_TOPIC_ID":  "order-events",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Gateway.StripeWebhookSecret" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Gateway.StripeWebhookSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":           "pl-dev",
		"API_STORAGE_RECEIPTS_BUCKET":       "receipts",
		"API_NOTIFICATIONS_TOPIC_ID":        "order-events",
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	secrets := map[string]string{
		"secret://stripe/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateway.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Gateway.StripeWebhookSecret)
	}
}
