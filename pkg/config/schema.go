package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaService is the schema for a whole config document.
const SchemaService = "service"

// SchemaRegistry holds CUE schemas that raw config documents are checked
// against before decoding.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaService, builtinServiceSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles and registers a schema under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema returns a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema unifies data with the named schema and requires a
// concrete result.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", formatCUEErrors(err))
	}
	return nil
}

// ValidateDocument checks a decoded YAML document against the service
// schema.
func (sr *SchemaRegistry) ValidateDocument(doc map[string]interface{}) error {
	return sr.ValidateAgainstSchema(SchemaService, doc)
}

func formatCUEErrors(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Durations are Go duration strings such as "30s" or "1h30m".
const builtinServiceSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

server?: {
	address?:          string & !=""
	read_timeout?:     #Duration
	write_timeout?:    #Duration
	shutdown_timeout?: #Duration
}

store?: {
	driver?:            *"sqlite" | "badger" | "memory"
	path?:              string
	max_open_conns?:    int & >=0
	max_idle_conns?:    int & >=0
	conn_max_lifetime?: #Duration
	busy_timeout?:      #Duration
	in_memory?:         bool
	sync_writes?:       bool
}

lifecycle?: {
	job_timeout?:        #Duration
	max_cas_retries?:    int & >=0 & <=100
	default_list_limit?: int & >0
	max_list_limit?:     int & >0
	recover_on_start?:   bool
	instance_id?:        string
}

executor?: {
	workers?:         int & >0 & <=256
	queue_size?:      int & >0
	job_timeout?:     #Duration
	max_retries?:     int & >=0
	base_backoff?:    #Duration
	max_backoff?:     #Duration
	simulated_delay?: #Duration
}

models?: {
	cache_dir?:        string & !=""
	max_model_size?:   int & >0
	require_artifact?: bool
}

remote?: {
	enabled?:                  bool
	host?:                     string
	port?:                     int & >0 & <=65535
	user?:                     string
	password?:                 string
	private_key_path?:         string
	private_key_passphrase?:   string
	known_hosts_path?:         string
	insecure_ignore_host_key?: bool
	connect_timeout?:          #Duration
	command_timeout?:          #Duration
	remote_dir?:               string
	deploy_command?:           string
	undeploy_command?:         string
}

policy?: {
	enabled?: bool
	paths?: [...string]
	watch?: bool
}

events?: {
	enabled?:        bool
	buffer_size?:    int & >0
	flush_interval?: #Duration
	max_batch_size?: int & >0
	nats?: {
		enabled?:         bool
		url?:             string
		subject?:         string
		name?:            string
		connect_timeout?: #Duration
	}
}

telemetry?: {
	service_name?:    string
	service_version?: string
	environment?:     string
	logging?: {
		level?:               *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		format?:              *"console" | "json"
		output?:              string
		enable_caller?:       bool
		enable_sampling?:     bool
		sampling_initial?:    int & >=0
		sampling_thereafter?: int & >=0
		time_format?:         "unix" | "unixms" | "unixmicro" | "rfc3339"
	}
	tracing?: {
		enabled?:  bool
		exporter?: *"none" | "otlp" | "stdout"
		endpoint?: string
		sampling_rate?: number & >=0 & <=1
		max_export_batch_size?: int & >0
		export_timeout?: #Duration
		headers?: [string]: string
		insecure?: bool
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
		path?:           string
		namespace?:      string
		histogram_buckets?: [...number]
	}
}
`
