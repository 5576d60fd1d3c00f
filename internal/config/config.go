package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string
	Env         string
	HTTPAddr    string

	// Optional backends. Empty means the in-memory fallback.
	PostgresDSN  string
	RedisAddr    string
	RedisDB      int
	KafkaBrokers []string

	KafkaWebhookTopic    string
	KafkaWebhookGroup    string
	KafkaOrderEventTopic string

	// External service base URLs. Empty disables the client.
	CatalogURL       string
	DirectoryURL     string
	InventoryURL     string
	CaptchaURL       string
	CaptchaSecretKey string
	GatewayURL       string
	FulfillmentURL   string

	Currency             string
	GuestAuthSecret      string
	GuestAuthTTL         time.Duration
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	ClientTimeout        time.Duration
	CartTTL              time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ServiceName: getenv("SERVICE_NAME", "orderflow"),
		Env:         getenv("ENV", "dev"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisDB:      getenvInt("REDIS_DB", 0),
		KafkaBrokers: splitCSV(os.Getenv("KAFKA_BROKERS")),

		KafkaWebhookTopic:    getenv("KAFKA_WEBHOOK_TOPIC", "gateway.events"),
		KafkaWebhookGroup:    getenv("KAFKA_WEBHOOK_GROUP", "orderflow-webhooks"),
		KafkaOrderEventTopic: getenv("KAFKA_ORDER_EVENT_TOPIC", "order.events"),

		CatalogURL:       os.Getenv("CATALOG_URL"),
		DirectoryURL:     os.Getenv("DIRECTORY_URL"),
		InventoryURL:     os.Getenv("INVENTORY_URL"),
		CaptchaURL:       os.Getenv("CAPTCHA_URL"),
		CaptchaSecretKey: os.Getenv("CAPTCHA_SECRET_KEY"),
		GatewayURL:       os.Getenv("GATEWAY_URL"),
		FulfillmentURL:   os.Getenv("FULFILLMENT_URL"),

		Currency:             getenv("CURRENCY", "EUR"),
		GuestAuthSecret:      getenv("GUEST_AUTH_SECRET", "dev-guest-auth-secret"),
		GuestAuthTTL:         getenvDuration("GUEST_AUTH_TTL", 10*time.Minute),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		ClientTimeout:        getenvDuration("CLIENT_TIMEOUT", 10*time.Second),
		CartTTL:              getenvDuration("CART_TTL", 7*24*time.Hour),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
