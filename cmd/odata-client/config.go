package main

import (
	"context"
	"flag"
	"strconv"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	configPath FlagType = iota
	serviceName
	serviceRoot
	metadataPath
	opaPath

	filterExpr
	topCount

	debugMode
	logFormat
)

func DefaultFlags() FlagMap {
	return FlagMap{
		topCount:  "0",
		debugMode: "false",
		logFormat: "json",
	}
}

func parseExternalConfig(ctx context.Context, flags FlagMap, args []string) (FlagMap, []string, error) {
	fs := flag.NewFlagSet("odata-client", flag.ContinueOnError)

	// env vars are used as defaults for the command line flags
	flags[configPath] = env.GetVariableOrDefault(ctx, "ODATA_CONFIG_PATH", flags[configPath])
	flags[serviceRoot] = env.GetVariableOrDefault(ctx, "ODATA_SERVICE_ROOT", flags[serviceRoot])
	flags[opaPath] = env.GetVariableOrDefault(ctx, "ODATA_POLICY_PATH", flags[opaPath])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	fs.Func("config", "path to a yaml file with service profiles", apply(configPath))
	fs.Func("service", "name of the service profile to use", apply(serviceName))
	fs.Func("root", "service root url or path to a local service document", apply(serviceRoot))
	fs.Func("metadata", "location of the metadata document", apply(metadataPath))
	fs.Func("policy", "path to a rego policy that guards requests", apply(opaPath))
	fs.Func("filter", "filter expression for count and list", apply(filterExpr))
	fs.Func("top", "max number of entities to list", func(value string) error {
		if _, err := strconv.Atoi(value); err != nil {
			return err
		}
		flags[topCount] = value
		return nil
	})
	fs.Func("debug", "log failed requests (true/false)", apply(debugMode))
	fs.Func("log-format", "log output format", apply(logFormat))

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	return flags, fs.Args(), nil
}
