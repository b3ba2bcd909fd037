// Package config loads the controller manager settings from flags, KUBEGAME_*
// environment variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DeletionPolicyOrphan = "Orphan"
	DeletionPolicyBlock  = "Block"
)

// Flag names double as config file keys.
const (
	keyMetricsAddr             = "metrics-bind-address"
	keyProbeAddr               = "health-probe-bind-address"
	keyLeaderElect             = "leader-elect"
	keyLeaderElectionID        = "leader-election-id"
	keyNamespace               = "namespace"
	keyWorkers                 = "workers"
	keyReconcileTimeout        = "reconcile-timeout"
	keyRecheckInterval         = "recheck-interval"
	keyPermanentFailureRecheck = "permanent-failure-recheck"
	keyTeardownWait            = "teardown-wait"
	keyBackoffBase             = "backoff-base"
	keyBackoffMax              = "backoff-max"
	keyGameDeletionPolicy      = "game-deletion-policy"
	keyDatabaseHostFormat      = "database-host-format"
	keyDatabasePoolTTL         = "database-pool-ttl"
	keyDatabaseDialAddress     = "database-dial-address"
	keyGRPCHealthPort          = "grpc-health-port"
	keyOTLPEndpoint            = "otlp-endpoint"
)

type Config struct {
	MetricsAddr      string
	ProbeAddr        string
	LeaderElect      bool
	LeaderElectionID string
	// Namespace restricts the cache to one namespace; empty watches all.
	Namespace string

	Workers                 int
	ReconcileTimeout        time.Duration
	RecheckInterval         time.Duration
	PermanentFailureRecheck time.Duration
	TeardownWait            time.Duration
	BackoffBase             time.Duration
	BackoffMax              time.Duration

	GameDeletionPolicy string
	// DatabaseHostFormat receives the Service name and namespace, e.g. "%s.%s.svc".
	DatabaseHostFormat string
	DatabasePoolTTL    time.Duration
	// DatabaseDialAddress, when set, replaces every Game's host:port. Only useful
	// when running outside the cluster against a single port-forwarded Game.
	DatabaseDialAddress string

	GRPCHealthPort int
	OTLPEndpoint   string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MetricsAddr:             ":8080",
		ProbeAddr:               ":8081",
		LeaderElectionID:        "kubegame.systemcraftsman.com",
		Workers:                 4,
		ReconcileTimeout:        30 * time.Second,
		RecheckInterval:         15 * time.Second,
		PermanentFailureRecheck: 5 * time.Minute,
		TeardownWait:            2 * time.Minute,
		BackoffBase:             500 * time.Millisecond,
		BackoffMax:              5 * time.Minute,
		GameDeletionPolicy:      DeletionPolicyOrphan,
		DatabaseHostFormat:      "%s.%s.svc",
		DatabasePoolTTL:         10 * time.Minute,
		GRPCHealthPort:          9090,
	}
}

// BindFlags registers every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(keyMetricsAddr, d.MetricsAddr, "The address the metric endpoint binds to.")
	fs.String(keyProbeAddr, d.ProbeAddr, "The address the probe endpoint binds to.")
	fs.Bool(keyLeaderElect, d.LeaderElect, "Enable leader election for controller manager.")
	fs.String(keyLeaderElectionID, d.LeaderElectionID, "Name of the leader election lease.")
	fs.String(keyNamespace, d.Namespace, "Only watch this namespace. Empty watches all namespaces.")
	fs.Int(keyWorkers, d.Workers, "Maximum concurrent reconciles per controller.")
	fs.Duration(keyReconcileTimeout, d.ReconcileTimeout, "Deadline for a single reconcile pass.")
	fs.Duration(keyRecheckInterval, d.RecheckInterval, "Requeue interval for resources waiting on a dependency.")
	fs.Duration(keyPermanentFailureRecheck, d.PermanentFailureRecheck, "Requeue interval after a database rejects the controller.")
	fs.Duration(keyTeardownWait, d.TeardownWait, "How long teardown may take before it is reported as stalled.")
	fs.Duration(keyBackoffBase, d.BackoffBase, "Initial per-resource retry backoff.")
	fs.Duration(keyBackoffMax, d.BackoffMax, "Maximum per-resource retry backoff.")
	fs.String(keyGameDeletionPolicy, d.GameDeletionPolicy, "What deleting a referenced Game does: Orphan or Block.")
	fs.String(keyDatabaseHostFormat, d.DatabaseHostFormat, "Format for a Game's database host; receives Service name and namespace.")
	fs.Duration(keyDatabasePoolTTL, d.DatabasePoolTTL, "How long an idle per-Game connection pool is kept.")
	fs.String(keyDatabaseDialAddress, d.DatabaseDialAddress, "host:port used for every Game database instead of its Service. For out-of-cluster development.")
	fs.Int(keyGRPCHealthPort, d.GRPCHealthPort, "Port of the gRPC health service. 0 disables it.")
	fs.String(keyOTLPEndpoint, d.OTLPEndpoint, "OTLP/HTTP endpoint for traces, e.g. otel-collector:4318. Empty disables tracing.")
}

// Load resolves the settings for fs. file may be empty.
func Load(fs *pflag.FlagSet, file string) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix("KUBEGAME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		MetricsAddr:             v.GetString(keyMetricsAddr),
		ProbeAddr:               v.GetString(keyProbeAddr),
		LeaderElect:             v.GetBool(keyLeaderElect),
		LeaderElectionID:        v.GetString(keyLeaderElectionID),
		Namespace:               v.GetString(keyNamespace),
		Workers:                 v.GetInt(keyWorkers),
		ReconcileTimeout:        v.GetDuration(keyReconcileTimeout),
		RecheckInterval:         v.GetDuration(keyRecheckInterval),
		PermanentFailureRecheck: v.GetDuration(keyPermanentFailureRecheck),
		TeardownWait:            v.GetDuration(keyTeardownWait),
		BackoffBase:             v.GetDuration(keyBackoffBase),
		BackoffMax:              v.GetDuration(keyBackoffMax),
		GameDeletionPolicy:      v.GetString(keyGameDeletionPolicy),
		DatabaseHostFormat:      v.GetString(keyDatabaseHostFormat),
		DatabasePoolTTL:         v.GetDuration(keyDatabasePoolTTL),
		DatabaseDialAddress:     v.GetString(keyDatabaseDialAddress),
		GRPCHealthPort:          v.GetInt(keyGRPCHealthPort),
		OTLPEndpoint:            v.GetString(keyOTLPEndpoint),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the controllers cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", keyWorkers, c.Workers))
	}
	for key, d := range map[string]time.Duration{
		keyReconcileTimeout:        c.ReconcileTimeout,
		keyRecheckInterval:         c.RecheckInterval,
		keyPermanentFailureRecheck: c.PermanentFailureRecheck,
		keyTeardownWait:            c.TeardownWait,
		keyBackoffBase:             c.BackoffBase,
		keyBackoffMax:              c.BackoffMax,
		keyDatabasePoolTTL:         c.DatabasePoolTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("%s (%s) is below %s (%s)", keyBackoffMax, c.BackoffMax, keyBackoffBase, c.BackoffBase))
	}
	switch c.GameDeletionPolicy {
	case DeletionPolicyOrphan, DeletionPolicyBlock:
	default:
		errs = append(errs, fmt.Errorf("%s must be %s or %s, got %q", keyGameDeletionPolicy, DeletionPolicyOrphan, DeletionPolicyBlock, c.GameDeletionPolicy))
	}
	if strings.Count(c.DatabaseHostFormat, "%s") != 2 || strings.Count(c.DatabaseHostFormat, "%") != 2 {
		errs = append(errs, fmt.Errorf("%s must contain exactly two %%s verbs, got %q", keyDatabaseHostFormat, c.DatabaseHostFormat))
	}
	if c.DatabaseDialAddress != "" {
		if _, port, err := net.SplitHostPort(c.DatabaseDialAddress); err != nil || port == "" {
			errs = append(errs, fmt.Errorf("%s must be host:port, got %q", keyDatabaseDialAddress, c.DatabaseDialAddress))
		}
	}
	if c.GRPCHealthPort < 0 || c.GRPCHealthPort > 65535 {
		errs = append(errs, fmt.Errorf("%s out of range: %d", keyGRPCHealthPort, c.GRPCHealthPort))
	}
	return errors.Join(errs...)
}
