package main

import (
	"context"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/internal/appconfig"
	"pkt.systems/tabtree/internal/cdpsource"
	"pkt.systems/tabtree/internal/memsource"
	"pkt.systems/tabtree/internal/version"
)

// tabBackend is what a tab source offers the engine.
type tabBackend interface {
	core.TabSource
	core.WindowService
	core.NotificationSource
}

func openSource(ctx context.Context, cfg appconfig.SourceConfig, logger pslog.Logger) (tabBackend, func(), error) {
	switch cfg.Kind {
	case appconfig.SourceMemory:
		src := memsource.New(memsource.Options{Logger: logger})
		return src, src.Close, nil
	case appconfig.SourceCDP:
		src, err := cdpsource.New(ctx, cdpsource.Options{
			URL:       cfg.CDPURL,
			ExecPath:  cfg.ExecPath,
			Headless:  cfg.Headless,
			UserAgent: version.Read().UserAgent(),
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported tab source %q", cfg.Kind)
	}
}
