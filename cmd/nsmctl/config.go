package main

import (
	"fmt"
	"io"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/inconshreveable/log15"

	"github.com/jeremyhahn/go-nsm/pkg/nsm"
	"github.com/jeremyhahn/go-nsm/pkg/simulator"
)

// fileConfig is the HCL configuration of nsmctl.
//
//	device_path = "/dev/nsm"
//	log_level   = "info"
//
//	limits {
//	  user_data  = 1024
//	  nonce      = 512
//	  public_key = 1024
//	}
//
//	simulator {
//	  digest      = "SHA384"
//	  locked_pcrs = [0, 1, 2, 3, 4]
//	}
type fileConfig struct {
	DevicePath string           `hcl:"device_path,optional"`
	LogLevel   string           `hcl:"log_level,optional"`
	Limits     *limitsConfig    `hcl:"limits,block"`
	Simulator  *simulatorConfig `hcl:"simulator,block"`
}

type limitsConfig struct {
	UserData  int `hcl:"user_data,optional"`
	Nonce     int `hcl:"nonce,optional"`
	PublicKey int `hcl:"public_key,optional"`
}

// simulatorConfig selects the in-memory device instead of /dev/nsm.
type simulatorConfig struct {
	Digest     string `hcl:"digest,optional"`
	MaxPCRs    int    `hcl:"max_pcrs,optional"`
	LockedPCRs []int  `hcl:"locked_pcrs,optional"`
	ModuleID   string `hcl:"module_id,optional"`
	RandomSize int    `hcl:"random_size,optional"`
}

func loadConfig(path string) (*fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return &cfg, nil
	}
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &cfg, nil
}

func (c *fileConfig) nsmConfig(logger log15.Logger) nsm.Config {
	cfg := nsm.Config{
		DevicePath: c.DevicePath,
		Logger:     logger,
	}
	if c.Limits != nil {
		cfg.MaxUserDataSize = c.Limits.UserData
		cfg.MaxNonceSize = c.Limits.Nonce
		cfg.MaxPublicKeySize = c.Limits.PublicKey
	}
	return cfg
}

func (s *simulatorConfig) options() ([]simulator.Option, error) {
	var opts []simulator.Option
	if s == nil {
		return opts, nil
	}
	if s.Digest != "" {
		opts = append(opts, simulator.WithDigest(nsm.DigestAlgorithm(s.Digest)))
	}
	if s.MaxPCRs != 0 {
		if s.MaxPCRs < 0 || s.MaxPCRs > 0xffff {
			return nil, fmt.Errorf("simulator: max_pcrs %d out of range", s.MaxPCRs)
		}
		opts = append(opts, simulator.WithMaxPCRs(uint16(s.MaxPCRs)))
	}
	if len(s.LockedPCRs) > 0 {
		locked := make([]uint16, 0, len(s.LockedPCRs))
		for _, idx := range s.LockedPCRs {
			if idx < 0 || idx > 0xffff {
				return nil, fmt.Errorf("simulator: locked register %d out of range", idx)
			}
			locked = append(locked, uint16(idx))
		}
		opts = append(opts, simulator.WithLockedPCRs(locked...))
	}
	if s.ModuleID != "" {
		opts = append(opts, simulator.WithModuleID(s.ModuleID))
	}
	if s.RandomSize != 0 {
		opts = append(opts, simulator.WithRandomSize(s.RandomSize))
	}
	return opts, nil
}

// newLogger writes logfmt records at or above level to w.
func newLogger(w io.Writer, level string) (log15.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	lgr := log15.New("app", "nsmctl")
	lgr.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(w, log15.LogfmtFormat())))
	return lgr, nil
}
