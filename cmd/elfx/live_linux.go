package main

import (
	elfx "github.com/wnxd/microdbg-elfx/elf"
	"github.com/wnxd/microdbg-elfx/host"
	"github.com/wnxd/microdbg-elfx/proc"
)

func openLive(cfg config, name string) (host.Process, *elfx.Module, func() error, error) {
	p, err := proc.Open(cfg.pid, proc.WithLogger(cfg.logger))
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := elfx.NewRegistry(p, 0, cfg.logger, elfx.WithSymbolScanLimit(cfg.symbolLimit))
	if err != nil {
		p.Close()
		return nil, nil, nil, err
	}
	m, err := reg.FindModuleByName(name, true)
	if err != nil {
		p.Close()
		return nil, nil, nil, err
	}
	return p, m, p.Close, nil
}
