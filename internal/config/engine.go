package config

import (
	"goldrun/internal/db"
	"goldrun/internal/game"
	"goldrun/internal/market"
	"goldrun/internal/sandbox"
	"goldrun/internal/store"
)

func (c ServerConfig) StoreOptions() store.Options {
	pool := db.DefaultPoolOptions()
	pool.MaxConns = int32(c.DBMaxConns)
	pool.MinConns = int32(c.DBMinConns)
	return store.Options{
		Kind:        c.Store,
		DataFile:    c.DataFile,
		DatabaseURL: c.DatabaseURL,
		Pool:        pool,
	}
}

func (c ServerConfig) SandboxOptions() sandbox.Options {
	opts := sandbox.DefaultOptions()
	opts.MemoryLimit = uint64(c.SandboxMemoryMB) << 20
	opts.RunTimeout = c.RunTimeout
	opts.LoadTimeout = c.LoadTimeout
	opts.OutputLimit = c.OutputLimit
	return opts
}

func (c ServerConfig) EngineConfig() game.Config {
	return game.Config{
		TickEvery:           c.TickEvery,
		Sandbox:             c.SandboxOptions(),
		MaxInvest:           c.MaxInvest,
		PassiveIncome:       c.PassiveIncome,
		PassiveCeiling:      c.PassiveCeiling,
		PlayerHistory:       c.PlayerHistory,
		GlobalHistory:       c.GlobalHistory,
		PersistEvery:        c.PersistEvery,
		CollaboratorTimeout: c.CollaboratorTimeout,
	}
}

// Sampler builds the return-rate sampler. RateBins empty means the default
// table; a nil Seed seeds from the clock.
func (c ServerConfig) Sampler() (*market.Sampler, error) {
	bins, err := market.ParseBins(c.RateBins)
	if err != nil {
		return nil, err
	}
	if c.Seed != nil {
		return market.NewSampler(bins, *c.Seed)
	}
	return market.NewTimeSeededSampler(bins)
}
