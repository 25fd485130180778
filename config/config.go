package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ShipWatch ShipWatchConfig `yaml:"shipwatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentUpdatedTopicName string `yaml:"shipment_updated_topic_name"`
	OrdersIngestedTopicName  string `yaml:"orders_ingested_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ShipWatchConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	ShipmentCacheTTLSeconds int `yaml:"shipment_cache_ttl_seconds"`

	HomeCountryCode     string `yaml:"home_country_code"`
	LookupWindowSeconds int    `yaml:"lookup_window_seconds"`
	LookupIPLimit       int    `yaml:"lookup_ip_limit"`
	LookupIdentityLimit int    `yaml:"lookup_identity_limit"`

	WorkerCronSpec     string `yaml:"worker_cron_spec"`
	WorkerBatchSize    int    `yaml:"worker_batch_size"`
	WorkerConcurrency  int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds int    `yaml:"worker_lease_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Re-check delays (optional). Unset fields fall back to prod-like
	// defaults: OFD 1h, fresh NDR 6h, stale NDR 2h, in-transit 12h,
	// unknown 24h.
	NextCheckOutForDeliverySeconds int `yaml:"next_check_out_for_delivery_seconds"`
	NextCheckNDRFreshSeconds       int `yaml:"next_check_ndr_fresh_seconds"`
	NextCheckNDRStaleSeconds       int `yaml:"next_check_ndr_stale_seconds"`
	NDREscalateAfterSeconds        int `yaml:"ndr_escalate_after_seconds"`
	NextCheckInTransitSeconds      int `yaml:"next_check_in_transit_seconds"`
	NextCheckUnknownSeconds        int `yaml:"next_check_unknown_seconds"`

	BluedartBaseURL    string `yaml:"bluedart_base_url"`
	BluedartLicenseKey string `yaml:"bluedart_license_key"`
	BluedartLoginID    string `yaml:"bluedart_login_id"`

	DelhiveryBaseURL string `yaml:"delhivery_base_url"`
	DelhiveryToken   string `yaml:"delhivery_token"`

	// "fake" swaps both couriers for the deterministic emulator.
	CourierMode string `yaml:"courier_mode"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
