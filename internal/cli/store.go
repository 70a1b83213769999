package cli

import (
	"nitewatch/internal/config"
	"nitewatch/internal/storage"
	"nitewatch/pkg/logx"
)

// openStore loads the config and opens its storage without starting anything
// else.
func openStore(opts *RootOptions) (storage.Store, *config.Runtime, error) {
	log := logx.NewConsole("warn")
	_, rt, err := config.NewManager(opts.ConfigPath, log).Load()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "load config", err)
	}
	st, err := storage.Open(rt.Storage, log)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open storage", err)
	}
	return st, rt, nil
}
