// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCrisis/pkg/logging"
	"github.com/AleutianAI/AleutianCrisis/services/crisis"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/ttl"
)

// errChainBroken is returned by audit verify so the exit status is non-zero.
var errChainBroken = errors.New("audit chain is broken")

type rootOptions struct {
	logLevel string
	logDir   string
	logJSON  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var logger *logging.Logger

	root := &cobra.Command{
		Use:           "crisisline",
		Short:         "Anonymous crisis line service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			format := logging.FormatAuto
			if opts.logJSON {
				format = logging.FormatJSON
			}
			logger = logging.New(logging.Config{
				Level:   level,
				LogDir:  opts.logDir,
				Service: "crisis",
				Format:  format,
				Output:  cmd.ErrOrStderr(),
			})
			slog.SetDefault(logger.Slog())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logger != nil {
				return logger.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "also write JSON logs to this directory")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "force JSON on stderr")

	root.AddCommand(newServeCmd(), newGenSeedCmd(), newAuditCmd())
	return root
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the crisis service",
		Long: `Run the HTTP and WebSocket API with the maintenance scheduler.

The master seed is read from ` + crisis.MasterSeedEnv + ` (base64). Generate
one with "crisisline genseed".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := crisis.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := crisis.New(ctx, cfg, nil)
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to crisis.yaml")
	return cmd
}

// =============================================================================
// genseed
// =============================================================================

func newGenSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genseed",
		Short: "Print a new base64 master seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := sessioncrypto.GenerateMasterSeed()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(seed))
			return err
		},
	}
}

// =============================================================================
// audit
// =============================================================================

func newAuditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	audit.AddCommand(&cobra.Command{
		Use:   "verify <audit.log>",
		Short: "Verify the audit log hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid, breakIndex, err := ttl.VerifyFile(args[0])
			if err != nil {
				return fmt.Errorf("verify %s: %w", args[0], err)
			}
			if !valid {
				fmt.Fprintf(cmd.OutOrStdout(), "BROKEN at record %d\n", breakIndex)
				return errChainBroken
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	})
	return audit
}
