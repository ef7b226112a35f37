// Package config loads the modeld service configuration.
//
// A config file is YAML. It is checked against a CUE schema before being
// decoded over DefaultConfig, then MODELD_* environment variables are
// applied and the result is validated with struct tags.
//
//	server:
//	  address: ":8080"
//	store:
//	  driver: sqlite
//	  path: ./data/modeld.db
//	lifecycle:
//	  job_timeout: 5m
//	  max_cas_retries: 3
//	models:
//	  cache_dir: ./models
//	  max_model_size: 1073741824
//	policy:
//	  paths: [./policies]
//	  watch: true
//	events:
//	  nats:
//	    enabled: true
//	    url: nats://127.0.0.1:4222
//
// Environment overrides:
//
//	MODELD_SERVER_ADDRESS   server.address
//	MODELD_STORE_DRIVER     store.driver
//	MODELD_STORE_PATH       store.path
//	MODELD_MODEL_CACHE_DIR  models.cache_dir
//	MODELD_MAX_MODEL_SIZE   models.max_model_size
//	MODELD_JOB_TIMEOUT      lifecycle.job_timeout
//	MODELD_METRICS_ADDRESS  telemetry.metrics.listen_address
//	MODELD_NATS_URL         events.nats.url
//	LOG_LEVEL               telemetry.logging.level
package config
