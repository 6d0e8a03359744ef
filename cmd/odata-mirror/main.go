package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/diwise/odata-client/internal/pkg/application/config"
	"github.com/diwise/odata-client/internal/pkg/application/mirror"
	"github.com/diwise/odata-client/pkg/odata/client"
	"github.com/diwise/odata-client/pkg/odata/query"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	appName string = "odata-mirror"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	svc, err := loadService(ctx)
	if err != nil {
		log.Error("invalid configuration", "err", err.Error())
		os.Exit(1)
	}

	c, err := client.Connect(ctx, svc.Root, client.Metadata(svc.Metadata), client.WithHeaders(svc.HTTPHeaders()))
	if err != nil {
		log.Error("failed to connect to service", "err", err.Error())
		os.Exit(1)
	}

	store, err := mirror.Connect(ctx, mirror.LoadConfiguration(ctx))
	if err != nil {
		log.Error("failed to connect to database", "err", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	started := time.Now().UTC()

	synced, err := syncAll(ctx, c, mirror.New(store), svc.Mirror)
	if err != nil {
		log.Error("failed to mirror service", "err", err.Error())
		os.Exit(1)
	}

	var totalCount int64 = 0

	for _, name := range synced {
		n, err := store.Prune(ctx, name, started)
		if err != nil {
			log.Error("failed to prune entity set", "entity_set", name, "err", err.Error())
			continue
		}

		totalCount += n
	}

	log.Info("done mirroring", slog.Int("entity_sets", len(synced)), slog.Int64("pruned", totalCount))
}

// loadService reads the service profile from ODATA_CONFIG_PATH when set, otherwise the
// service is described by environment variables alone
func loadService(ctx context.Context) (*config.ServiceConfig, error) {
	cfgPath := env.GetVariableOrDefault(ctx, "ODATA_CONFIG_PATH", "")

	if cfgPath != "" {
		f, err := os.Open(cfgPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		cfg, err := config.LoadConfiguration(f)
		if err != nil {
			return nil, err
		}

		return cfg.Service(env.GetVariableOrDefault(ctx, "ODATA_SERVICE", ""))
	}

	svc := &config.ServiceConfig{
		Root:     env.GetVariableOrDefault(ctx, "ODATA_SERVICE_ROOT", ""),
		Metadata: env.GetVariableOrDefault(ctx, "ODATA_METADATA", ""),
	}

	if svc.Root == "" {
		return nil, fmt.Errorf("ODATA_SERVICE_ROOT must be set when no configuration file is used")
	}

	for _, name := range strings.Split(env.GetVariableOrDefault(ctx, "ODATA_ENTITY_SETS", ""), ",") {
		if name = strings.TrimSpace(name); name != "" {
			svc.Mirror = append(svc.Mirror, config.MirrorInfo{EntitySet: name})
		}
	}

	return svc, nil
}

// syncAll mirrors every configured entity set, or all sets of the service when none are
// configured, and returns the names of the sets that were read completely
func syncAll(ctx context.Context, c *client.Client, m mirror.Mirror, infos []config.MirrorInfo) ([]string, error) {
	if len(infos) == 0 {
		for _, name := range c.EntitySets() {
			infos = append(infos, config.MirrorInfo{EntitySet: name})
		}
	}

	if err := m.Start(); err != nil {
		return nil, err
	}

	synced := []string{}

	for _, info := range infos {
		ec, err := c.Open(info.EntitySet)
		if err != nil {
			m.Stop()
			return nil, err
		}

		if info.Filter != "" {
			if err = ec.Query(query.Filter(info.Filter)); err != nil {
				m.Stop()
				return nil, err
			}
		}

		if _, err = m.Sync(ctx, ec); err != nil {
			logging.GetFromContext(ctx).Error("entity set not mirrored completely", "entity_set", info.EntitySet, "err", err.Error())
			continue
		}

		synced = append(synced, info.EntitySet)
	}

	return synced, m.Stop()
}
