package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	listenAddress FlagType = iota
	servicePort

	configPath
	opaPath
	notifierEndpoint
	writeBacklog

	logFormat
)

// AppConfig holds the readers for the files the service is started with.
// A nil policies reader turns authorization off.
type AppConfig struct {
	modelConfig io.ReadCloser
	policies    io.ReadCloser
}

func (c *AppConfig) Close() {
	if c.modelConfig != nil {
		c.modelConfig.Close()
	}
	if c.policies != nil {
		c.policies.Close()
	}
}

func parseExternalConfig(ctx context.Context, flags FlagMap) FlagMap {

	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault
	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[configPath] = envOrDef(ctx, "RESTLESS_CONFIG_PATH", flags[configPath])
	flags[opaPath] = envOrDef(ctx, "RESTLESS_POLICY_PATH", flags[opaPath])
	flags[notifierEndpoint] = envOrDef(ctx, "NOTIFIER_ENDPOINT", flags[notifierEndpoint])
	flags[writeBacklog] = envOrDef(ctx, "WRITE_BACKLOG", flags[writeBacklog])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "path to the collections configuration file", apply(configPath))
	flag.Func("policies", "an authorization policy file", apply(opaPath))
	flag.Parse()

	return flags
}

func defaultFlags() FlagMap {
	return FlagMap{
		listenAddress:    "",
		servicePort:      "8080",
		configPath:       "/opt/diwise/config/restless.yaml",
		opaPath:          "",
		notifierEndpoint: "",
		writeBacklog:     "64",
		logFormat:        "json",
	}
}

func openConfigFiles(flags FlagMap) (*AppConfig, error) {
	cfg := &AppConfig{}

	var err error
	cfg.modelConfig, err = os.Open(flags[configPath])
	if err != nil {
		return nil, err
	}

	if flags[opaPath] != "" {
		cfg.policies, err = os.Open(flags[opaPath])
		if err != nil {
			cfg.Close()
			return nil, err
		}
	}

	return cfg, nil
}
