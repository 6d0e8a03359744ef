package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/diwise/odata-client/internal/pkg/application/config"
	"github.com/diwise/odata-client/internal/pkg/application/policy"
	"github.com/diwise/odata-client/pkg/odata/client"
	"github.com/diwise/odata-client/pkg/odata/query"
	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "odata-client"
)

func main() {
	flags, args, err := parseExternalConfig(context.Background(), DefaultFlags(), os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, log, cleanup := o11y.Init(context.Background(), appName, buildinfo.SourceVersion(), flags[logFormat])
	defer cleanup()

	c, err := newClient(ctx, flags)
	if err != nil {
		log.Error("failed to connect to service", "err", err.Error())
		os.Exit(1)
	}

	if err = run(ctx, c, flags, args, os.Stdout); err != nil {
		log.Error("command failed", "err", err.Error())
		os.Exit(1)
	}
}

func newClient(ctx context.Context, flags FlagMap) (*client.Client, error) {
	root := flags[serviceRoot]
	metadata := flags[metadataPath]
	policyPath := flags[opaPath]
	debug := flags[debugMode]

	options := []func(*client.Client){}

	if flags[configPath] != "" {
		f, err := os.Open(flags[configPath])
		if err != nil {
			return nil, fmt.Errorf("failed to open configuration: %w", err)
		}
		defer f.Close()

		cfg, err := config.LoadConfiguration(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}

		svc, err := cfg.Service(flags[serviceName])
		if err != nil {
			return nil, err
		}

		root = valueOrDefault(root, svc.Root)
		metadata = valueOrDefault(metadata, svc.Metadata)
		policyPath = valueOrDefault(policyPath, svc.Policy)
		if svc.Debug {
			debug = "true"
		}

		options = append(options, client.WithHeaders(svc.HTTPHeaders()))
	}

	if root == "" {
		return nil, fmt.Errorf("no service root given")
	}

	if policyPath != "" {
		f, err := os.Open(policyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open policy: %w", err)
		}
		defer f.Close()

		guard, err := policy.NewGuard(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy: %w", err)
		}

		options = append(options, client.WithPolicy(guard))
	}

	options = append(options, client.Debug(debug), client.Metadata(metadata))

	return client.Connect(ctx, root, options...)
}

func valueOrDefault(value, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}

func run(ctx context.Context, c *client.Client, flags FlagMap, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: odata-client [flags] sets | count <set> | list <set> | get <set> <key>")
	}

	if args[0] == "sets" {
		for _, name := range c.EntitySets() {
			fmt.Fprintln(out, name)
		}
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("%s requires an entity set", args[0])
	}

	ec, err := c.Open(args[1])
	if err != nil {
		return err
	}

	options := []query.OptionDecoratorFunc{}
	if flags[filterExpr] != "" {
		options = append(options, query.Filter(flags[filterExpr]))
	}

	if err = ec.Query(options...); err != nil {
		return err
	}

	switch args[0] {
	case "count":
		n, err := ec.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
	case "list":
		top, _ := strconv.Atoi(flags[topCount])
		listed := 0

		for e, err := range ec.Iterate(ctx) {
			if err != nil {
				return err
			}

			if err = writeEntity(out, e); err != nil {
				return err
			}

			listed++
			if top > 0 && listed >= top {
				break
			}
		}
	case "get":
		if len(args) < 3 {
			return fmt.Errorf("get requires a key")
		}

		key, err := parseKey(ec.EntitySet(), args[2])
		if err != nil {
			return err
		}

		e, err := ec.Get(ctx, key)
		if err != nil {
			return err
		}

		return writeEntity(out, e)
	default:
		return fmt.Errorf("unknown command %s", args[0])
	}

	return nil
}

// parseKey reads a key given as comma separated values in the order of the key properties
func parseKey(set *edm.EntitySet, text string) (entities.Key, error) {
	names := set.Keys()
	parts := strings.Split(text, ",")

	if len(parts) != len(names) {
		return nil, fmt.Errorf("%s has a key with %d values", set.Name, len(names))
	}

	key := make(entities.Key, len(names))

	for i, name := range names {
		p, _ := set.Type.Property(name)

		v, err := edm.ParseValue(p.Type, strings.Trim(strings.TrimSpace(parts[i]), "'"))
		if err != nil {
			return nil, fmt.Errorf("invalid value for key property %s: %w", name, err)
		}

		key[i] = v
	}

	return key, nil
}

func writeEntity(out io.Writer, e *entities.Entity) error {
	location, _ := e.Location()

	doc := map[string]any{
		"@location": location,
	}

	e.ForEachProperty(func(name string, value any) {
		doc[name] = value
	})

	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(b))
	return err
}
