package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-nsm/pkg/nsm"
)

type pcrView struct {
	Index  uint16 `json:"index"`
	Digest string `json:"digest"`
	Locked bool   `json:"locked"`
}

func newPCRView(p nsm.PCR) pcrView {
	return pcrView{Index: p.Index, Digest: hex.EncodeToString(p.Digest), Locked: p.Locked}
}

type descriptionView struct {
	Version    string              `json:"version"`
	ModuleID   string              `json:"module_id"`
	MaxPCRs    uint16              `json:"max_pcrs"`
	LockedPCRs []uint16            `json:"locked_pcrs"`
	Digest     nsm.DigestAlgorithm `json:"digest"`
	PCRs       []pcrView           `json:"pcrs,omitempty"`
}

func (env *environment) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "describe",
			Usage: "print the module description",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "pcrs", Usage: "include every register"},
			},
			Action: env.describe,
		},
		{
			Name:      "pcr",
			Usage:     "print one register",
			ArgsUsage: "<index>",
			Action:    env.describePCR,
		},
		{
			Name:      "extend",
			Usage:     "extend registers with hex encoded data",
			ArgsUsage: "<index>:<hex> [<index>:<hex>...]",
			Action:    env.extend,
		},
		{
			Name:      "lock",
			Usage:     "lock one register",
			ArgsUsage: "<index>",
			Action:    env.lock,
		},
		{
			Name:      "lock-range",
			Usage:     "lock registers [0, n)",
			ArgsUsage: "<n>",
			Action:    env.lockRange,
		},
		{
			Name:  "attest",
			Usage: "request an attestation document",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "user-data", Usage: "hex encoded user data"},
				&cli.StringFlag{Name: "nonce", Usage: "hex encoded nonce"},
				&cli.StringFlag{Name: "public-key", Usage: "file holding the public key to embed"},
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the raw document to a file"},
			},
			Action: env.attest,
		},
		{
			Name:  "random",
			Usage: "print device entropy",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "bytes", Aliases: []string{"n"}, Usage: "number of bytes, 0 for one device answer"},
			},
			Action: env.random,
		},
	}
}

func (env *environment) describe(c *cli.Context) error {
	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		desc, err := sess.Describe(ctx)
		if err != nil {
			return err
		}
		view := descriptionView{
			Version:    desc.Version(),
			ModuleID:   desc.ModuleID,
			MaxPCRs:    desc.MaxPCRs,
			LockedPCRs: desc.LockedPCRs,
			Digest:     desc.Digest,
		}
		if view.LockedPCRs == nil {
			view.LockedPCRs = []uint16{}
		}
		if c.Bool("pcrs") {
			pcrs, err := sess.DescribePCRs(ctx)
			if err != nil {
				return err
			}
			for _, p := range pcrs {
				view.PCRs = append(view.PCRs, newPCRView(p))
			}
		}
		return env.writeJSON(view)
	})
}

func (env *environment) describePCR(c *cli.Context) error {
	index, err := indexArg(c)
	if err != nil {
		return err
	}
	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		pcr, err := sess.DescribePCR(ctx, index)
		if err != nil {
			return err
		}
		return env.writeJSON(newPCRView(pcr))
	})
}

func (env *environment) extend(c *cli.Context) error {
	batches, err := parseExtends(c.Args().Slice())
	if err != nil {
		return err
	}
	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		results := make([]pcrView, len(batches))

		// Registers are independent; data for one register is applied in
		// argument order.
		g, gctx := errgroup.WithContext(ctx)
		for i, b := range batches {
			i, b := i, b
			g.Go(func() error {
				var digest []byte
				for _, data := range b.data {
					var err error
					if digest, err = sess.ExtendPCR(gctx, b.index, data); err != nil {
						return fmt.Errorf("extend pcr %d: %w", b.index, err)
					}
				}
				results[i] = pcrView{Index: b.index, Digest: hex.EncodeToString(digest)}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		env.log.Info("pcrs_extended", "registers", len(batches))
		return env.writeJSON(results)
	})
}

func (env *environment) lock(c *cli.Context) error {
	index, err := indexArg(c)
	if err != nil {
		return err
	}
	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		if err := sess.LockPCR(ctx, index); err != nil {
			return err
		}
		env.log.Info("pcr_locked", "index", index)
		return nil
	})
}

func (env *environment) lockRange(c *cli.Context) error {
	n, err := indexArg(c)
	if err != nil {
		return err
	}
	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		if err := sess.LockPCRs(ctx, n); err != nil {
			return err
		}
		env.log.Info("pcrs_locked", "range", n)
		return nil
	})
}

func (env *environment) attest(c *cli.Context) error {
	var req nsm.AttestationRequest
	var err error
	if req.UserData, err = hexFlag(c, "user-data"); err != nil {
		return err
	}
	if req.Nonce, err = hexFlag(c, "nonce"); err != nil {
		return err
	}
	if path := c.String("public-key"); path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		req.PublicKey = nsm.Some(key)
	}

	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		doc, err := sess.GetAttestationDoc(ctx, req)
		if err != nil {
			return err
		}
		if out := c.String("out"); out != "" {
			if err := os.WriteFile(out, doc, 0o600); err != nil {
				return fmt.Errorf("write document: %w", err)
			}
			env.log.Info("attestation_written", "path", out, "size", len(doc))
			return nil
		}
		_, err = fmt.Fprintln(env.stdout, hex.EncodeToString(doc))
		return err
	})
}

func (env *environment) random(c *cli.Context) error {
	n := c.Int("bytes")
	if n < 0 {
		return errors.New("--bytes must not be negative")
	}
	return env.withSession(c, func(ctx context.Context, sess *nsm.Session) error {
		var buf []byte
		if n == 0 {
			var err error
			if buf, err = sess.GetRandom(ctx); err != nil {
				return err
			}
		} else {
			buf = make([]byte, n)
			if _, err := sess.ReadRandom(ctx, buf); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(env.stdout, hex.EncodeToString(buf))
		return err
	})
}

func (env *environment) writeJSON(v any) error {
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type extendBatch struct {
	index uint16
	data  [][]byte
}

// parseExtends groups <index>:<hex> arguments by register, keeping the
// argument order within each register.
func parseExtends(args []string) ([]extendBatch, error) {
	if len(args) == 0 {
		return nil, errors.New("extend: expected at least one <index>:<hex> argument")
	}
	byIndex := make(map[uint16]*extendBatch)
	for _, arg := range args {
		idx, data, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("extend: %q is not <index>:<hex>", arg)
		}
		index, err := parseIndex(idx)
		if err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("extend: pcr %d: %w", index, err)
		}
		b, ok := byIndex[index]
		if !ok {
			b = &extendBatch{index: index}
			byIndex[index] = b
		}
		b.data = append(b.data, raw)
	}

	batches := make([]extendBatch, 0, len(byIndex))
	for _, b := range byIndex {
		batches = append(batches, *b)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].index < batches[j].index })
	return batches, nil
}

func indexArg(c *cli.Context) (uint16, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("%s: expected exactly one argument", c.Command.Name)
	}
	return parseIndex(c.Args().First())
}

func parseIndex(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register index %q: %w", s, err)
	}
	return uint16(v), nil
}

func hexFlag(c *cli.Context, name string) (nsm.Optional, error) {
	if !c.IsSet(name) {
		return nsm.None(), nil
	}
	b, err := hex.DecodeString(c.String(name))
	if err != nil {
		return nsm.None(), fmt.Errorf("--%s: %w", name, err)
	}
	return nsm.Some(b), nil
}
