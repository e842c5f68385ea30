//go:build !linux

package main

import (
	"errors"

	elfx "github.com/wnxd/microdbg-elfx/elf"
	"github.com/wnxd/microdbg-elfx/host"
)

func openLive(cfg config, name string) (host.Process, *elfx.Module, func() error, error) {
	return nil, nil, nil, errors.New("--pid is only supported on linux")
}
